// Package registry はボード種別とデジタイザー番号ごとのカメラ設定を永続化する
//
// # 責務
// - (ボード種別, デバイス番号) をキーとするエントリの読み書き
// - 重複キーの修復
//
// # 仕様
// - ファイルが存在しない場合は空のレジストリとして扱う
// - 解析できないファイルは ConfigParseError
// - 重複キーは先頭のエントリだけを残す
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"grabfleet/internal/result"
)

// Entry はレジストリの1エントリ
type Entry struct {
	BoardType       string `yaml:"board_type"`       // ボード種別の記述子
	Device          int    `yaml:"device"`           // デジタイザー番号
	UserID          string `yaml:"user_id"`          // ユーザー指定の識別子
	CalibrationPath string `yaml:"calibration_path"` // キャリブレーションファイルの絶対パス
	PixelFormat     string `yaml:"pixel_format"`     // ピクセル形式
}

// Key はエントリを一意に識別するキー
type Key struct {
	BoardType string
	Device    int
}

// String はキーの表示用文字列を返す
func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.BoardType, k.Device)
}

// Key はエントリのキーを返す
func (e Entry) Key() Key {
	return Key{BoardType: e.BoardType, Device: e.Device}
}

// Store はレジストリの読み書きを担うインターフェース
type Store interface {
	// Load は全エントリを読み込む
	Load() ([]Entry, error)
	// Save は全エントリを書き込む
	Save(entries []Entry) error
}

// Find はキーに一致するエントリの位置を返す
func Find(entries []Entry, key Key) []int {
	var idx []int
	for i, e := range entries {
		if e.Key() == key {
			idx = append(idx, i)
		}
	}
	return idx
}

// Dedupe はキーに一致するエントリを先頭の1件だけ残して削除する
// 削除した場合は changed が true になる
func Dedupe(entries []Entry, key Key) (kept []Entry, changed bool) {
	kept = entries[:0:0]
	seen := false
	for _, e := range entries {
		if e.Key() == key {
			if seen {
				changed = true
				continue
			}
			seen = true
		}
		kept = append(kept, e)
	}
	return kept, changed
}

type document struct {
	Boards []Entry `yaml:"boards"`
}

// FileStore はYAMLファイルにエントリを保存する
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore は指定パスのFileStoreを作成する
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path はファイルパスを返す
func (s *FileStore) Path() string {
	return s.path
}

// Load はファイルから全エントリを読み込む
func (s *FileStore) Load() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, result.Wrap("registry.Load", result.SystemError, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, result.Newf("registry.Load", result.ConfigParseError, " %s: %v", s.path, err)
	}
	if err := validate(doc.Boards); err != nil {
		return nil, err
	}
	return doc.Boards, nil
}

// Save は全エントリをファイルへ書き込む
func (s *FileStore) Save(entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(document{Boards: entries})
	if err != nil {
		return result.Wrap("registry.Save", result.SystemError, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return result.Wrap("registry.Save", result.SystemError, err)
	}

	// 途中で失敗しても既存ファイルを壊さない
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return result.Wrap("registry.Save", result.SystemError, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return result.Wrap("registry.Save", result.SystemError, err)
	}
	return nil
}

// validate は読み込んだエントリの妥当性を検証する
func validate(entries []Entry) error {
	for i, e := range entries {
		if e.BoardType == "" {
			return result.Newf("registry.Load", result.ConfigParseError, " entry %d has no board_type", i)
		}
		if e.Device < 0 {
			return result.Newf("registry.Load", result.ConfigParseError, " entry %d has negative device %d", i, e.Device)
		}
	}
	return nil
}

// MemoryStore はメモリ上にエントリを保持するStore
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
	saves   int

	loadErr error
	saveErr error
}

// NewMemoryStore は初期エントリを持つMemoryStoreを作成する
func NewMemoryStore(entries ...Entry) *MemoryStore {
	return &MemoryStore{entries: append([]Entry(nil), entries...)}
}

// Load は保持中のエントリのコピーを返す
func (m *MemoryStore) Load() ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return append([]Entry(nil), m.entries...), nil
}

// Save はエントリのコピーを保持する
func (m *MemoryStore) Save(entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.entries = append([]Entry(nil), entries...)
	m.saves++
	return nil
}

// Entries は保持中のエントリのコピーを返す
func (m *MemoryStore) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Saves はSaveが成功した回数を返す
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// SetLoadError はテスト用にLoadを失敗させる
func (m *MemoryStore) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr = err
}

// SetSaveError はテスト用にSaveを失敗させる
func (m *MemoryStore) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}
