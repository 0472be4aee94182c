package camera

import (
	log "github.com/sirupsen/logrus"

	"grabfleet/internal/hardware"
	"grabfleet/internal/result"
)

// maxBoardInstances は同種ボードを探索する上限
const maxBoardInstances = 16

// Discovery は導入済みボードからデジタイザーのスロットを検出する
type Discovery struct {
	hw hardware.Capability
}

// NewDiscovery は新しいDiscoveryを作成する
func NewDiscovery(hw hardware.Capability) *Discovery {
	return &Discovery{hw: hw}
}

// ScanSlots はホスト以外の全ボードを順に確保し、デジタイザーごとのスロットを返す
// 確保できなかったインスタンスは空きスロットとして扱い、その種別の探索を打ち切る
// デジタイザーのないボードはその場で解放する
func (d *Discovery) ScanSlots(app hardware.App) ([]Slot, error) {
	descriptors, err := d.hw.InstalledBoards(app)
	if err != nil {
		return nil, result.Wrap("ScanSlots", result.HardwareError, err)
	}

	var slots []Slot
	for _, descriptor := range descriptors {
		if hardware.ParseBoardType(descriptor).IsHost() {
			continue
		}

		ordinal := 0
		for instance := 0; instance < maxBoardInstances; instance++ {
			board, err := d.hw.AllocBoard(app, descriptor, instance)
			if err != nil {
				log.WithFields(log.Fields{"board": descriptor, "instance": instance}).WithError(err).Debug("no more boards")
				break
			}

			n, err := d.hw.DigitizerCount(board)
			if err != nil {
				_ = d.hw.FreeBoard(board)
				releaseSlots(slots)
				return nil, result.Wrap("ScanSlots", result.HardwareError, err)
			}
			if n == 0 {
				if err := d.hw.FreeBoard(board); err != nil {
					releaseSlots(slots)
					return nil, result.Wrap("ScanSlots", result.HardwareError, err)
				}
				continue
			}

			ref := &boardRef{hw: d.hw, app: app, descriptor: descriptor, instance: instance, handle: board}
			for i := 0; i < n; i++ {
				slots = append(slots, Slot{Descriptor: descriptor, Instance: instance, Index: i, Ordinal: ordinal, board: ref})
				ordinal++
			}
			log.WithFields(log.Fields{"board": descriptor, "instance": instance, "digitizers": n}).Debug("board found")
		}
	}
	return slots, nil
}

// releaseSlots は誰も使っていないボードハンドルを解放する
func releaseSlots(slots []Slot) {
	for _, s := range slots {
		if err := s.board.drop(); err != nil {
			log.WithField("board", s.Descriptor).WithError(err).Warn("failed to free board")
		}
	}
}
