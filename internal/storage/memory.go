package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bbb-stream-controller/internal/models"
	"bbb-stream-controller/internal/peers"
)

type tombstone struct {
	externalID string
	internalID string
	deletedAt  time.Time
}

// MemoryStore keeps sessions in process memory. One mutex serializes every
// mutation, which makes creates exclusive, viewer increments lossless and
// teardown claims atomic.
type MemoryStore struct {
	mu         sync.Mutex
	sessions   map[string]*models.Session // by external id
	byInternal map[string]string          // internal id -> external id
	tombstones map[string]tombstone       // by session id
	now        func() time.Time
}

// NewMemoryStore returns an empty store. now defaults to time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		sessions:   make(map[string]*models.Session),
		byInternal: make(map[string]string),
		tombstones: make(map[string]tombstone),
		now:        now,
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close(context.Context) error { return nil }

func (s *MemoryStore) Create(_ context.Context, externalID, rtmpURI, primaryFrontend string) (models.Session, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return models.Session{}, fmt.Errorf("external id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[externalID]; exists {
		return models.Session{}, fmt.Errorf("create %s: %w", externalID, ErrAlreadyExists)
	}
	now := s.now().UTC()
	session := &models.Session{
		ID:              uuid.NewString(),
		ExternalID:      externalID,
		RTMPURI:         rtmpURI,
		PrimaryFrontend: primaryFrontend,
		State:           models.SessionOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if primaryFrontend != "" {
		session.Frontends = []models.ViewerBinding{{FrontendID: primaryFrontend, BoundAt: now}}
	}
	s.sessions[externalID] = session
	return session.Clone(), nil
}

func (s *MemoryStore) FindByExternalID(_ context.Context, externalID string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[externalID]
	if !ok {
		return models.Session{}, fmt.Errorf("find %s: %w", externalID, ErrNotFound)
	}
	return session.Clone(), nil
}

func (s *MemoryStore) FindByInternalID(_ context.Context, internalID string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.lookupInternal(internalID)
	if !ok {
		return models.Session{}, fmt.Errorf("find internal %s: %w", internalID, ErrNotFound)
	}
	return session.Clone(), nil
}

func (s *MemoryStore) lookupInternal(internalID string) (*models.Session, bool) {
	if internalID == "" {
		return nil, false
	}
	externalID, ok := s.byInternal[internalID]
	if !ok {
		return nil, false
	}
	session, ok := s.sessions[externalID]
	return session, ok
}

func (s *MemoryStore) BindChatAndEncoder(_ context.Context, externalID, chatBridge, encoder, internalID string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[externalID]
	if !ok {
		return models.Session{}, fmt.Errorf("bind %s: %w", externalID, ErrNotFound)
	}
	if session.State == models.SessionEnding {
		return models.Session{}, fmt.Errorf("bind %s: %w", externalID, ErrAlreadyEnded)
	}
	if session.InternalID != "" && session.InternalID != internalID {
		delete(s.byInternal, session.InternalID)
	}
	session.ChatBridge = chatBridge
	session.LiveEncoder = encoder
	session.InternalID = internalID
	if session.State == models.SessionOpen {
		session.State = models.SessionStarted
	}
	session.UpdatedAt = s.now().UTC()
	if internalID != "" {
		s.byInternal[internalID] = externalID
	}
	return session.Clone(), nil
}

func (s *MemoryStore) SetMeetingPassword(_ context.Context, externalID, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[externalID]
	if !ok {
		return fmt.Errorf("set password %s: %w", externalID, ErrNotFound)
	}
	if session.State == models.SessionEnding {
		return fmt.Errorf("set password %s: %w", externalID, ErrAlreadyEnded)
	}
	session.MeetingPassword = password
	session.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) BindFrontend(_ context.Context, externalID, frontendID string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[externalID]
	if !ok {
		return models.Session{}, fmt.Errorf("bind frontend %s: %w", externalID, ErrNotFound)
	}
	if session.State == models.SessionEnding {
		return models.Session{}, fmt.Errorf("bind frontend %s: %w", externalID, ErrAlreadyEnded)
	}
	if _, bound := session.Binding(frontendID); !bound {
		position := 0
		for _, b := range session.Frontends {
			if b.Position >= position {
				position = b.Position + 1
			}
		}
		now := s.now().UTC()
		session.Frontends = append(session.Frontends, models.ViewerBinding{FrontendID: frontendID, Position: position, BoundAt: now})
		session.UpdatedAt = now
	}
	return session.Clone(), nil
}

func (s *MemoryStore) IncrementViewer(_ context.Context, externalID, frontendID string) (models.ViewerBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[externalID]
	if !ok {
		return models.ViewerBinding{}, fmt.Errorf("increment %s: %w", externalID, ErrNotFound)
	}
	idx := -1
	if frontendID == "" {
		idx = session.LeastViewed()
	} else {
		for i, b := range session.Frontends {
			if b.FrontendID == frontendID {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return models.ViewerBinding{}, fmt.Errorf("increment %s: %w", externalID, ErrFrontendNotBound)
	}
	session.Frontends[idx].Viewers++
	return session.Frontends[idx], nil
}

func (s *MemoryStore) BeginTeardown(_ context.Context, externalID string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[externalID]
	if !ok {
		if s.hasTombstone(func(t tombstone) bool { return t.externalID == externalID }) {
			return models.Session{}, fmt.Errorf("teardown %s: %w", externalID, ErrAlreadyEnded)
		}
		return models.Session{}, fmt.Errorf("teardown %s: %w", externalID, ErrNotFound)
	}
	return s.claim(session)
}

func (s *MemoryStore) BeginTeardownByInternalID(_ context.Context, internalID string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.lookupInternal(internalID)
	if !ok {
		if internalID != "" && s.hasTombstone(func(t tombstone) bool { return t.internalID == internalID }) {
			return models.Session{}, fmt.Errorf("teardown internal %s: %w", internalID, ErrAlreadyEnded)
		}
		return models.Session{}, fmt.Errorf("teardown internal %s: %w", internalID, ErrNotFound)
	}
	return s.claim(session)
}

func (s *MemoryStore) claim(session *models.Session) (models.Session, error) {
	if session.State == models.SessionEnding {
		return models.Session{}, fmt.Errorf("teardown %s: %w", session.ExternalID, ErrAlreadyEnded)
	}
	session.State = models.SessionEnding
	session.UpdatedAt = s.now().UTC()
	return session.Clone(), nil
}

func (s *MemoryStore) hasTombstone(match func(tombstone) bool) bool {
	for _, t := range s.tombstones {
		if match(t) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for externalID, session := range s.sessions {
		if session.ID != sessionID {
			continue
		}
		delete(s.sessions, externalID)
		if session.InternalID != "" && s.byInternal[session.InternalID] == externalID {
			delete(s.byInternal, session.InternalID)
		}
		s.tombstones[sessionID] = tombstone{externalID: externalID, internalID: session.InternalID, deletedAt: s.now().UTC()}
		return nil
	}
	return nil
}

func (s *MemoryStore) CountByPeer(_ context.Context, role peers.Role) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, session := range s.sessions {
		switch role {
		case peers.RoleChatBridge:
			if session.ChatBridge != "" {
				counts[session.ChatBridge]++
			}
		case peers.RoleEncoder:
			if session.LiveEncoder != "" {
				counts[session.LiveEncoder]++
			}
		case peers.RoleFrontend:
			for _, b := range session.Frontends {
				counts[b.FrontendID]++
			}
		}
	}
	return counts, nil
}

func (s *MemoryStore) PurgeTombstones(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, t := range s.tombstones {
		if t.deletedAt.Before(before) {
			delete(s.tombstones, id)
			purged++
		}
	}
	return purged, nil
}
