package hardware

import (
	"context"
	"fmt"
	"sync"

	"grabfleet/internal/frame"
)

// 障害注入に使う操作名
const (
	OpAllocApplication = "AllocApplication"
	OpInstalledBoards  = "InstalledBoards"
	OpAllocBoard       = "AllocBoard"
	OpDigitizerCount   = "DigitizerCount"
	OpAllocDigitizer   = "AllocDigitizer"
	OpFreeDigitizer    = "FreeDigitizer"
	OpGeometry         = "Geometry"
	OpAllocBuffer      = "AllocBuffer"
	OpFreeBuffer       = "FreeBuffer"
	OpActivateTrigger  = "ActivateTrigger"
	OpGrab             = "Grab"
	OpAbort            = "Abort"
	OpDemosaic         = "Demosaic"
	OpCopyOut          = "CopyOut"
)

// SimBoard はシミュレーター上の1枚のボード
// 同じ記述子のボードを複数並べると、それぞれが別インスタンスになる
type SimBoard struct {
	Descriptor string
	Digitizers []Geometry
}

type simBoard struct {
	descriptor string
	instance   int
	digitizers []Geometry
}

type simDigitizer struct {
	board      Board
	descriptor string
	instance   int
	index      int
	geometry   Geometry
	calib      string
	trigger    chan struct{}
	waiting    chan struct{}
}

type simBuffer struct {
	channels int
	width    int
	height   int
	data     []byte
	bayer    frame.Format
}

// Simulator はメモリ上で動くCapabilityの実装
// テストと実機のない環境での動作確認に使う
type Simulator struct {
	mu sync.Mutex

	installed []SimBoard
	nextID    uint64
	sequence  byte

	apps       map[App]bool
	boards     map[Board]*simBoard
	digitizers map[Digitizer]*simDigitizer
	buffers    map[Buffer]*simBuffer

	failures map[string]error
	grabs    int
}

// NewSimulator は指定ボード構成のシミュレーターを作成する
func NewSimulator(boards ...SimBoard) *Simulator {
	return &Simulator{
		installed:  boards,
		apps:       make(map[App]bool),
		boards:     make(map[Board]*simBoard),
		digitizers: make(map[Digitizer]*simDigitizer),
		buffers:    make(map[Buffer]*simBuffer),
		failures:   make(map[string]error),
	}
}

// SetFailure はテスト用に指定操作を失敗させる。errがnilなら解除する
func (s *Simulator) SetFailure(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// InstallBoard はテスト用にボードを追加する
func (s *Simulator) InstallBoard(board SimBoard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installed = append(s.installed, board)
}

// RemoveBoards はテスト用に指定記述子のボードをすべて取り外す
func (s *Simulator) RemoveBoards(descriptor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.installed[:0]
	for _, b := range s.installed {
		if b.Descriptor != descriptor {
			kept = append(kept, b)
		}
	}
	s.installed = kept
}

// Pulse は確保済みデジタイザーへトリガー信号を送る
func (s *Simulator) Pulse(descriptor string, instance, index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.digitizers {
		if d.descriptor == descriptor && d.instance == instance && d.index == index {
			pulse(d.trigger)
			return true
		}
	}
	return false
}

// Waiting は指定デジタイザーでGrabが待機中か判定する
func (s *Simulator) Waiting(descriptor string, instance, index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.digitizers {
		if d.descriptor == descriptor && d.instance == instance && d.index == index {
			return d.waiting != nil
		}
	}
	return false
}

// AllocatedApplications は確保中のアプリケーションハンドル数を返す
func (s *Simulator) AllocatedApplications() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.apps)
}

// AllocatedBoards は確保中のボードハンドル数を返す
func (s *Simulator) AllocatedBoards() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.boards)
}

// AllocatedDigitizers は確保中のデジタイザー数を返す
func (s *Simulator) AllocatedDigitizers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.digitizers)
}

// AllocatedBuffers は確保中の取得バッファ数を返す
func (s *Simulator) AllocatedBuffers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers)
}

// Grabs は完了したGrabの回数を返す
func (s *Simulator) Grabs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grabs
}

// AllocApplication はアプリケーションハンドルを確保する
func (s *Simulator) AllocApplication() (App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpAllocApplication]; err != nil {
		return 0, err
	}
	app := App(s.newID())
	s.apps[app] = true
	return app, nil
}

// FreeApplication はアプリケーションハンドルを解放する
func (s *Simulator) FreeApplication(app App) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.apps[app] {
		return fmt.Errorf("invalid application handle %d", app)
	}
	delete(s.apps, app)
	return nil
}

// InstalledBoards はホストの疑似ボードを先頭に、導入済みの記述子を返す
func (s *Simulator) InstalledBoards(app App) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpInstalledBoards]; err != nil {
		return nil, err
	}
	if !s.apps[app] {
		return nil, fmt.Errorf("invalid application handle %d", app)
	}

	descriptors := []string{string(SystemHost)}
	seen := map[string]bool{string(SystemHost): true}
	for _, b := range s.installed {
		if !seen[b.Descriptor] {
			seen[b.Descriptor] = true
			descriptors = append(descriptors, b.Descriptor)
		}
	}
	return descriptors, nil
}

// AllocBoard は指定種別のinstance番目のボードを確保する
func (s *Simulator) AllocBoard(app App, descriptor string, instance int) (Board, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpAllocBoard]; err != nil {
		return 0, err
	}
	if !s.apps[app] {
		return 0, fmt.Errorf("invalid application handle %d", app)
	}

	n := 0
	for _, b := range s.installed {
		if b.Descriptor != descriptor {
			continue
		}
		if n == instance {
			board := Board(s.newID())
			s.boards[board] = &simBoard{
				descriptor: descriptor,
				instance:   instance,
				digitizers: append([]Geometry(nil), b.Digitizers...),
			}
			return board, nil
		}
		n++
	}
	return 0, fmt.Errorf("no %s board at instance %d", descriptor, instance)
}

// FreeBoard はボードハンドルを解放する
func (s *Simulator) FreeBoard(board Board) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.boards[board]; !ok {
		return fmt.Errorf("invalid board handle %d", board)
	}
	delete(s.boards, board)
	return nil
}

// DigitizerCount はボード上のデジタイザー数を返す
func (s *Simulator) DigitizerCount(board Board) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpDigitizerCount]; err != nil {
		return 0, err
	}
	b, ok := s.boards[board]
	if !ok {
		return 0, fmt.Errorf("invalid board handle %d", board)
	}
	return len(b.digitizers), nil
}

// AllocDigitizer はデジタイザーを確保する
func (s *Simulator) AllocDigitizer(board Board, index int, calibrationPath string) (Digitizer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpAllocDigitizer]; err != nil {
		return 0, err
	}
	b, ok := s.boards[board]
	if !ok {
		return 0, fmt.Errorf("invalid board handle %d", board)
	}
	if index < 0 || index >= len(b.digitizers) {
		return 0, fmt.Errorf("digitizer %d does not exist on %s", index, b.descriptor)
	}

	dig := Digitizer(s.newID())
	s.digitizers[dig] = &simDigitizer{
		board:      board,
		descriptor: b.descriptor,
		instance:   b.instance,
		index:      index,
		geometry:   b.digitizers[index],
		calib:      calibrationPath,
		trigger:    make(chan struct{}, 1),
	}
	return dig, nil
}

// FreeDigitizer はデジタイザーを解放する
func (s *Simulator) FreeDigitizer(dig Digitizer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpFreeDigitizer]; err != nil {
		return err
	}
	d, ok := s.digitizers[dig]
	if !ok {
		return fmt.Errorf("invalid digitizer handle %d", dig)
	}
	if d.waiting != nil {
		close(d.waiting)
		d.waiting = nil
	}
	delete(s.digitizers, dig)
	return nil
}

// Geometry はデジタイザーの形状を返す
func (s *Simulator) Geometry(dig Digitizer) (Geometry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpGeometry]; err != nil {
		return Geometry{}, err
	}
	d, ok := s.digitizers[dig]
	if !ok {
		return Geometry{}, fmt.Errorf("invalid digitizer handle %d", dig)
	}
	return d.geometry, nil
}

// AllocBuffer は取得バッファを確保する
func (s *Simulator) AllocBuffer(board Board, channels, width, height, bitDepth int) (Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpAllocBuffer]; err != nil {
		return 0, err
	}
	if _, ok := s.boards[board]; !ok {
		return 0, fmt.Errorf("invalid board handle %d", board)
	}
	if channels != 1 && channels != 3 {
		return 0, fmt.Errorf("unsupported channel count %d", channels)
	}
	if bitDepth != BitDepth {
		return 0, fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
	if width <= 0 || height <= 0 {
		return 0, fmt.Errorf("invalid buffer size %dx%d", width, height)
	}

	buf := Buffer(s.newID())
	s.buffers[buf] = &simBuffer{
		channels: channels,
		width:    width,
		height:   height,
		data:     make([]byte, channels*width*height),
	}
	return buf, nil
}

// FreeBuffer は取得バッファを解放する
func (s *Simulator) FreeBuffer(buf Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpFreeBuffer]; err != nil {
		return err
	}
	if _, ok := s.buffers[buf]; !ok {
		return fmt.Errorf("invalid buffer handle %d", buf)
	}
	delete(s.buffers, buf)
	return nil
}

// ActivateTrigger はトリガーを有効化する
// ソフトウェアトリガーは待機中のGrabへ即座に信号を送る
func (s *Simulator) ActivateTrigger(dig Digitizer, option TriggerOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpActivateTrigger]; err != nil {
		return err
	}
	d, ok := s.digitizers[dig]
	if !ok {
		return fmt.Errorf("invalid digitizer handle %d", dig)
	}
	if option == TriggerSoftware {
		pulse(d.trigger)
	}
	return nil
}

// Grab は1フレームを取得バッファに取り込む
// 連続モードは即座に、トリガーモードは信号を受けてからフレームを書き込む
func (s *Simulator) Grab(ctx context.Context, dig Digitizer, buf Buffer, option TriggerOption) error {
	s.mu.Lock()
	if err := s.failures[OpGrab]; err != nil {
		s.mu.Unlock()
		return err
	}
	d, ok := s.digitizers[dig]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("invalid digitizer handle %d", dig)
	}
	if _, ok := s.buffers[buf]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("invalid buffer handle %d", buf)
	}
	abort := make(chan struct{})
	d.waiting = abort
	trigger := d.trigger
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if d.waiting == abort {
			d.waiting = nil
		}
		s.mu.Unlock()
	}()

	if option != TriggerContinuous {
		select {
		case <-trigger:
		case <-abort:
			return ErrAborted
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-abort:
		return ErrAborted
	default:
	}

	b, ok := s.buffers[buf]
	if !ok {
		return fmt.Errorf("buffer %d was freed during grab", buf)
	}
	s.sequence++
	for i := range b.data {
		b.data[i] = s.sequence + byte(i)
	}
	b.bayer = ""
	s.grabs++
	return nil
}

// Abort は実行中のGrabを中断する
func (s *Simulator) Abort(dig Digitizer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpAbort]; err != nil {
		return err
	}
	d, ok := s.digitizers[dig]
	if !ok {
		return fmt.Errorf("invalid digitizer handle %d", dig)
	}
	if d.waiting != nil {
		close(d.waiting)
		d.waiting = nil
	}
	// 溜まったトリガーを捨てる
	select {
	case <-d.trigger:
	default:
	}
	return nil
}

// Demosaic は取得バッファをBayer配列でデモザイクする
func (s *Simulator) Demosaic(buf Buffer, order frame.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpDemosaic]; err != nil {
		return err
	}
	b, ok := s.buffers[buf]
	if !ok {
		return fmt.Errorf("invalid buffer handle %d", buf)
	}
	if !order.IsBayer() || !order.Supported() {
		return fmt.Errorf("invalid bayer order %q", string(order))
	}
	if b.channels != 3 {
		return fmt.Errorf("bayer conversion needs a 3 band buffer, got %d", b.channels)
	}
	b.bayer = order
	return nil
}

// CopyOut は取得バッファの内容をdstへコピーする
func (s *Simulator) CopyOut(buf Buffer, dst []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpCopyOut]; err != nil {
		return err
	}
	b, ok := s.buffers[buf]
	if !ok {
		return fmt.Errorf("invalid buffer handle %d", buf)
	}
	if len(dst) != len(b.data) {
		return fmt.Errorf("destination size %d does not match buffer size %d", len(dst), len(b.data))
	}
	copy(dst, b.data)
	return nil
}

// newID は新しいハンドル値を返す（ロック済み前提）
func (s *Simulator) newID() uint64 {
	s.nextID++
	return s.nextID
}

// pulse は待機中のGrabへ信号を送る。既に溜まっていれば何もしない
func pulse(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
