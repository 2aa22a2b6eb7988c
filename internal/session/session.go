// Package session persists append-only conversation logs and distils them
// into memory artefacts on commit. Sessions live under
// viking://.system/sessions/<id>/ as log.jsonl + state.json.
package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"openviking/internal/agfs"
	"openviking/internal/logging"
	"openviking/internal/uri"
	"openviking/internal/verrors"
)

// Session state machine values.
const (
	StateOpen       = "open"
	StateCommitting = "committing"
	StateCommitted  = "committed"
)

// SessionsRoot is the reserved prefix for session records.
var SessionsRoot = uri.Join(uri.SystemRoot, "sessions")

// Message is one conversation turn.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	TS      time.Time `json:"ts"`
}

// State is the persisted session lifecycle record.
type State struct {
	SessionID   string    `json:"session_id"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	CommittedAt time.Time `json:"committed_at,omitempty"`

	// Commit outcome, cached for idempotent re-commits.
	TargetURI string `json:"target_uri,omitempty"`
	Extracted int    `json:"extracted"`
}

// Info is a listing row.
type Info struct {
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Messages  int       `json:"messages"`
}

// CommitResult is the commit return shape.
type CommitResult struct {
	SessionID string `json:"session_id"`
	TargetURI string `json:"target_uri"`
	Extracted int    `json:"extracted"`
}

// Store manages session logs. Commit distillation is delegated to the
// Extractor to keep storage and model concerns apart.
type Store struct {
	fs *agfs.FS

	// mu guards commits, the per-session mutexes that serialise commits.
	mu      sync.Mutex
	commits map[string]*sync.Mutex
}

// NewStore creates the store and its reserved prefix.
func NewStore(ctx context.Context, fs *agfs.FS) (*Store, error) {
	if err := fs.Mkdir(ctx, SessionsRoot); err != nil {
		return nil, err
	}
	return &Store{fs: fs, commits: make(map[string]*sync.Mutex)}, nil
}

func sessionDir(id string) string  { return uri.Join(SessionsRoot, id) }
func logURI(id string) string      { return uri.Join(sessionDir(id), "log.jsonl") }
func stateURI(id string) string    { return uri.Join(sessionDir(id), "state.json") }

// Create starts a new open session and returns its id.
func (s *Store) Create(ctx context.Context) (string, error) {
	id := uuid.NewString()
	st := State{
		SessionID: id,
		Status:    StateOpen,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.fs.Mkdir(ctx, sessionDir(id)); err != nil {
		return "", err
	}
	if err := s.writeState(ctx, &st); err != nil {
		return "", err
	}
	if err := s.fs.Write(ctx, logURI(id), nil, agfs.WriteOptions{}); err != nil {
		return "", err
	}
	logging.Session("created session %s", id)
	return id, nil
}

// Append adds one message. Sessions are append-only before commit;
// committed sessions are immutable.
func (s *Store) Append(ctx context.Context, id, role, content string) error {
	switch role {
	case "user", "assistant", "system":
	default:
		return verrors.Errorf(verrors.CodeInvalidArgument, "unknown role %q", role)
	}

	st, err := s.State(ctx, id)
	if err != nil {
		return err
	}
	if st.Status != StateOpen {
		return verrors.Errorf(verrors.CodeInvalidArgument, "session %s is %s; append requires open", id, st.Status)
	}

	line, err := json.Marshal(Message{Role: role, Content: content, TS: time.Now().UTC()})
	if err != nil {
		return verrors.Wrap(err, verrors.CodeInvalidArgument, "message encoding failed")
	}

	existing, err := s.fs.Read(ctx, logURI(id))
	if err != nil {
		return err
	}
	buf := append(existing, line...)
	buf = append(buf, '\n')
	return s.fs.Write(ctx, logURI(id), buf, agfs.WriteOptions{})
}

// Messages loads the full ordered log.
func (s *Store) Messages(ctx context.Context, id string) ([]Message, error) {
	data, err := s.fs.Read(ctx, logURI(id))
	if err != nil {
		if verrors.IsNotFound(err) {
			return nil, verrors.Errorf(verrors.CodeNotFound, "no such session: %s", id)
		}
		return nil, err
	}
	var out []Message
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var m Message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			return nil, verrors.Wrapf(err, verrors.CodeInvariantViolation, "corrupt session log %s", id)
		}
		out = append(out, m)
	}
	return out, nil
}

// State loads the lifecycle record.
func (s *Store) State(ctx context.Context, id string) (*State, error) {
	data, err := s.fs.Read(ctx, stateURI(id))
	if err != nil {
		if verrors.IsNotFound(err) {
			return nil, verrors.Errorf(verrors.CodeNotFound, "no such session: %s", id)
		}
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, verrors.Wrapf(err, verrors.CodeInvariantViolation, "corrupt session state %s", id)
	}
	return &st, nil
}

func (s *Store) writeState(ctx context.Context, st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return verrors.Wrap(err, verrors.CodeInvariantViolation, "state encoding failed")
	}
	return s.fs.Write(ctx, stateURI(st.SessionID), data, agfs.WriteOptions{})
}

// Delete removes an uncommitted session entirely.
func (s *Store) Delete(ctx context.Context, id string) error {
	st, err := s.State(ctx, id)
	if err != nil {
		return err
	}
	if st.Status == StateCommitted {
		return verrors.Errorf(verrors.CodeInvalidArgument, "session %s is committed; delete requires an uncommitted session", id)
	}
	return s.fs.Delete(ctx, sessionDir(id), agfs.DeleteOptions{Recursive: true})
}

// List enumerates all sessions.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	entries, err := s.fs.Ls(ctx, SessionsRoot, agfs.LsOptions{})
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, e := range entries {
		if !e.IsDir {
			continue
		}
		id := uri.Name(e.URI)
		st, err := s.State(ctx, id)
		if err != nil {
			continue
		}
		msgs, _ := s.Messages(ctx, id)
		out = append(out, Info{
			SessionID: id,
			Status:    st.Status,
			CreatedAt: st.CreatedAt,
			Messages:  len(msgs),
		})
	}
	return out, nil
}

// commitLock returns the per-session commit mutex.
func (s *Store) commitLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.commits[id]; ok {
		return m
	}
	m := &sync.Mutex{}
	s.commits[id] = m
	return m
}

// CommittingSessions lists sessions stuck in committing (crash recovery).
func (s *Store) CommittingSessions(ctx context.Context) ([]string, error) {
	infos, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, info := range infos {
		if info.Status == StateCommitting {
			out = append(out, info.SessionID)
		}
	}
	return out, nil
}
