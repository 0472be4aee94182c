package main

import (
	"context"
	"fmt"
	"image/png"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	cli "github.com/jawher/mow.cli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"grabfleet/internal/camera"
	"grabfleet/internal/config"
	"grabfleet/internal/frame"
	"grabfleet/internal/hardware"
	"grabfleet/internal/registry"
	"grabfleet/internal/server"
)

const (
	appName = "grabfleet"
	appDesc = "frame grabber camera fleet controller"
)

func main() {
	app := cli.App(appName, appDesc)

	configPath := app.String(cli.StringOpt{
		Name:   "c config",
		Desc:   "設定ファイル(YAML)のパス",
		EnvVar: "GRABFLEET_CONFIG",
		Value:  "",
	})
	logLevel := app.String(cli.StringOpt{
		Name:   "log-level",
		Desc:   "ログレベル (設定ファイルより優先)",
		EnvVar: "",
		Value:  "",
	})
	logJSON := app.Bool(cli.BoolOpt{
		Name:  "log-json",
		Desc:  "JSON形式でログを出力",
		Value: false,
	})
	simDigitizers := app.Int(cli.IntOpt{
		Name:   "sim.digitizers",
		Desc:   "シミュレーターのボードあたりのカメラ数",
		EnvVar: "SIM_DIGITIZERS",
		Value:  2,
	})
	simWidth := app.Int(cli.IntOpt{Name: "sim.width", Desc: "シミュレーターの画像幅", Value: 640})
	simHeight := app.Int(cli.IntOpt{Name: "sim.height", Desc: "シミュレーターの画像高さ", Value: 480})

	var cfg *config.Config
	var hw hardware.Capability

	app.Before = func() {
		var err error
		if *configPath != "" {
			cfg, err = config.LoadFile(*configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			log.WithError(err).Fatal("failed to load config")
		}
		if *logLevel != "" {
			cfg.Log.Level = *logLevel
		}
		if *logJSON {
			cfg.Log.JSON = true
		}
		cfg.ApplyLogging()

		geometries := make([]hardware.Geometry, *simDigitizers)
		for i := range geometries {
			geometries[i] = hardware.Geometry{Width: *simWidth, Height: *simHeight}
		}
		hw = hardware.NewSimulator(
			hardware.SimBoard{Descriptor: string(hardware.SystemHost)},
			hardware.SimBoard{Descriptor: string(hardware.SystemSolios), Digitizers: geometries},
		)
	}

	newFleet := func() *camera.Fleet {
		return camera.NewFleet(hw, registry.NewFileStore(cfg.Registry.Path), camera.FleetOptions{
			DefaultCalibrationPath: cfg.Camera.DefaultCalibrationPath,
			DefaultPixelFormat:     frame.Format(cfg.Camera.DefaultPixelFormat),
		})
	}

	app.Command("run", "HTTPサーバーと取り込みワーカーを起動", func(cmd *cli.Cmd) {
		start := cmd.BoolOpt("start", true, "起動時に全カメラの取得を開始")

		cmd.Action = func() {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fleet := newFleet()
			defer func() {
				if err := fleet.Dispose(); err != nil {
					log.WithError(err).Warn("failed to dispose fleet")
				}
			}()

			// 開けなかったカメラは /api/refresh で再試行できる
			if err := fleet.Open(); err != nil {
				log.WithError(err).Warn("failed to open all cameras")
			}
			if *start {
				if err := fleet.AcqStartAll(); err != nil {
					log.WithError(err).Warn("failed to start acquisition")
				}
			}

			worker := camera.NewWorker(fleet, cfg.TriggerOption(), cfg.Camera.IdleInterval)
			srv := server.New(cfg, fleet, worker)

			group, ctx := errgroup.WithContext(ctx)
			group.Go(func() error {
				return worker.Run(ctx)
			})
			group.Go(func() error {
				return srv.Start(ctx)
			})

			if err := group.Wait(); err != nil {
				log.WithError(err).Error("grabfleet stopped with error")
				cli.Exit(1)
			}
		}
	})

	app.Command("devices", "検出したカメラの一覧を表示", func(cmd *cli.Cmd) {
		cmd.Action = func() {
			fleet := newFleet()
			defer fleet.Dispose()

			if err := fleet.Open(); err != nil {
				log.WithError(err).Error("failed to open cameras")
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tUSER ID\tBOARD\tDEVICE\tSIZE\tFORMAT\tCALIBRATION")
			for i, dev := range fleet.Devices() {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%dx%d\t%s\t%s\n",
					i, dev.UserID(), dev.BoardType(), dev.DeviceIndex(),
					dev.Width(), dev.Height(), dev.PixelFormat(), dev.CalibrationPath())
			}
			w.Flush()
		}
	})

	app.Command("replace", "カメラのキャリブレーションファイルを差し替え", func(cmd *cli.Cmd) {
		cmd.Spec = "BOARD DEVICE PATH"
		board := cmd.StringArg("BOARD", "", "ボード種別 (例: M_SYSTEM_SOLIOS)")
		device := cmd.IntArg("DEVICE", 0, "レジストリのデバイス番号")
		path := cmd.StringArg("PATH", "", "新しいキャリブレーションファイル")

		cmd.Action = func() {
			fleet := newFleet()
			defer fleet.Dispose()

			if err := fleet.Open(); err != nil {
				log.WithError(err).Warn("failed to open all cameras")
			}
			if err := fleet.Replace(*board, *device, *path); err != nil {
				log.WithError(err).Error("failed to replace calibration")
				cli.Exit(1)
			}
			log.WithField("cameras", fleet.Count()).Info("calibration replaced")
		}
	})

	app.Command("snapshot", "1フレーム取得してPNGで保存", func(cmd *cli.Cmd) {
		cmd.Spec = "ID [OUT]"
		id := cmd.StringArg("ID", "", "カメラのユーザー識別子")
		out := cmd.StringArg("OUT", "snapshot.png", "出力先")

		cmd.Action = func() {
			if err := snapshot(newFleet(), *id, *out); err != nil {
				log.WithError(err).Error("failed to take snapshot")
				cli.Exit(1)
			}
			log.WithField("file", *out).Info("snapshot saved")
		}
	})

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("grabfleet exited")
	}
}

// snapshot は指定カメラで1フレーム取得してPNGに書き出す
func snapshot(fleet *camera.Fleet, id, out string) error {
	defer fleet.Dispose()

	if err := fleet.Open(); err != nil {
		return err
	}
	if err := fleet.AcqStartByID(id); err != nil {
		return err
	}
	if err := fleet.GrabByID(context.Background(), id, hardware.TriggerContinuous); err != nil {
		return err
	}

	dev, err := fleet.DeviceByUserID(id)
	if err != nil {
		return err
	}
	fb := dev.TakeFrame()
	if fb == nil {
		return fmt.Errorf("camera %s has no frame", id)
	}
	defer fb.Release()

	img, err := fb.Image()
	if err != nil {
		return err
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}
