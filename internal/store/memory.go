package store

import (
	"context"
	"sync"
)

// MemoryStore はテスト用のメモリ内 Store 実装
type MemoryStore struct {
	mu    sync.Mutex
	snap  *Snapshot
	saves int

	// テスト制御用
	saveErr error
	loadErr error
}

// NewMemoryStore は新しいMemoryStoreを作成する
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load は保存済みのスナップショットを返す
func (s *MemoryStore) Load(_ context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadErr != nil {
		return Snapshot{}, s.loadErr
	}
	if s.snap == nil {
		return Snapshot{Version: CurrentVersion}, nil
	}
	return cloneSnapshot(*s.snap), nil
}

// Save はスナップショットを保持する
func (s *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	c := cloneSnapshot(snap)
	c.Version = CurrentVersion
	s.snap = &c
	return nil
}

// Clear は保持しているスナップショットを破棄する
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = nil
	return nil
}

// SetSaveError は Save が返すエラーを設定する（nil で解除）
func (s *MemoryStore) SetSaveError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

// SetLoadError は Load が返すエラーを設定する（nil で解除）
func (s *MemoryStore) SetLoadError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr = err
}

// Saves は Save の呼び出し回数を返す（失敗も含む）
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Saved は最後に保存に成功したスナップショットを返す
func (s *MemoryStore) Saved() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return Snapshot{}, false
	}
	return cloneSnapshot(*s.snap), true
}

func cloneSnapshot(snap Snapshot) Snapshot {
	c := snap
	c.Sessions = append([]Record(nil), snap.Sessions...)
	return c
}
