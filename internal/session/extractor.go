package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"openviking/internal/agfs"
	"openviking/internal/logging"
	"openviking/internal/model"
	"openviking/internal/queue"
	"openviking/internal/trace"
	"openviking/internal/treebuilder"
	"openviking/internal/uri"
	"openviking/internal/verrors"
)

// memoryCategories are the four buckets a distilled memory can land in.
var memoryCategories = map[string]bool{
	"preferences": true,
	"facts":       true,
	"events":      true,
	"cases":       true,
}

// Candidate is one distilled memory before it becomes a file.
type Candidate struct {
	Category string
	Slug     string
	Text     string
}

// Extractor runs the commit pipeline: distil, write scratch tree, promote.
type Extractor struct {
	store      *Store
	fs         *agfs.FS
	builder    *treebuilder.Builder
	summariser model.Summariser
	timeout    time.Duration
}

// NewExtractor creates the commit pipeline.
func NewExtractor(store *Store, fs *agfs.FS, builder *treebuilder.Builder, summariser model.Summariser, summariseTimeout time.Duration) *Extractor {
	return &Extractor{
		store:      store,
		fs:         fs,
		builder:    builder,
		summariser: summariser,
		timeout:    summariseTimeout,
	}
}

// Commit is idempotent and serialised per session: concurrent commits on
// the same session all observe the same result, and only one runs the
// distillation. A second commit on a committed session returns the cached
// outcome.
func (e *Extractor) Commit(ctx context.Context, id string, tr *trace.Collector) (*CommitResult, error) {
	lock := e.store.commitLock(id)
	lock.Lock()
	defer lock.Unlock()

	st, err := e.store.State(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status == StateCommitted {
		tr.Event("commit", "cached", "ok", map[string]interface{}{"session_id": id})
		return &CommitResult{SessionID: id, TargetURI: st.TargetURI, Extracted: st.Extracted}, nil
	}

	// open -> committing via the atomic state write.
	st.Status = StateCommitting
	if err := e.store.writeState(ctx, st); err != nil {
		return nil, err
	}

	res, err := e.runCommit(ctx, st, tr)
	if err != nil {
		// Leave the session in committing: restart recovery re-runs the
		// pipeline from distillation.
		tr.SetError("commit", string(verrors.CodeOf(err)), err.Error())
		return nil, err
	}
	return res, nil
}

// runCommit executes distillation through promotion. Called with the
// per-session lock held and the state at committing.
func (e *Extractor) runCommit(ctx context.Context, st *State, tr *trace.Collector) (*CommitResult, error) {
	id := st.SessionID
	messages, err := e.store.Messages(ctx, id)
	if err != nil {
		return nil, err
	}

	candidates, err := e.distil(ctx, messages, tr)
	if err != nil {
		return nil, err
	}
	tr.Set("memory.memories_extracted", len(candidates))

	st.Extracted = len(candidates)
	st.TargetURI = ""

	if len(candidates) > 0 {
		targetURI, err := e.writeAndPromote(ctx, id, candidates)
		if err != nil {
			return nil, err
		}
		st.TargetURI = targetURI
	}

	st.Status = StateCommitted
	st.CommittedAt = time.Now().UTC()
	if err := e.store.writeState(ctx, st); err != nil {
		return nil, err
	}

	logging.Session("committed session %s: %d memories -> %s", id, st.Extracted, st.TargetURI)
	tr.Event("commit", "committed", "ok", map[string]interface{}{
		"target_uri": st.TargetURI,
		"extracted":  st.Extracted,
	})
	return &CommitResult{SessionID: id, TargetURI: st.TargetURI, Extracted: st.Extracted}, nil
}

// distil asks the summariser for memory candidates. Distil, not transcribe:
// the prompt demands durable facts only, and an empty response is a valid
// outcome.
func (e *Extractor) distil(ctx context.Context, messages []Message, tr *trace.Collector) ([]Candidate, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	var transcript strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	out, usage, err := e.summariser.Summarise(callCtx, queue.DistilPrompt(transcript.String()), nil)
	if err != nil {
		return nil, verrors.Wrap(err, verrors.CodeDependencyError, "memory distillation failed")
	}
	tr.AddTokenUsage(usage.InputTokens, usage.OutputTokens)

	var candidates []Candidate
	seenSlugs := map[string]int{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		category := strings.ToLower(strings.TrimSpace(parts[0]))
		if !memoryCategories[category] {
			continue
		}
		slug := slugify(parts[1])
		text := strings.TrimSpace(parts[2])
		if text == "" {
			continue
		}
		seenSlugs[category+"/"+slug]++
		if n := seenSlugs[category+"/"+slug]; n > 1 {
			slug = fmt.Sprintf("%s-%d", slug, n)
		}
		candidates = append(candidates, Candidate{Category: category, Slug: slug, Text: text})
	}
	return candidates, nil
}

// writeAndPromote materialises candidates as a scratch tree and hands it to
// the tree builder with scope=user.
func (e *Extractor) writeAndPromote(ctx context.Context, id string, candidates []Candidate) (string, error) {
	scratchRoot := uri.Join(uri.TempRoot, uuid.NewString())
	docDir := uri.Join(scratchRoot, "session-"+id)
	if err := e.fs.Mkdir(ctx, docDir); err != nil {
		return "", err
	}

	extractedAt := time.Now().UTC().Format(time.RFC3339)
	for _, c := range candidates {
		catDir := uri.Join(docDir, c.Category)
		if err := e.fs.Mkdir(ctx, catDir); err != nil {
			return "", err
		}
		body := fmt.Sprintf("---\nsession_id: %s\nextracted_at: %s\ncategory: %s\n---\n\n%s\n",
			id, extractedAt, c.Category, c.Text)
		if err := e.fs.Write(ctx, uri.Join(catDir, c.Slug+".md"), []byte(body), agfs.WriteOptions{}); err != nil {
			return "", err
		}
	}

	res, err := e.builder.Promote(ctx, scratchRoot, uri.ScopeKindUser)
	if err != nil {
		return "", err
	}
	return res.TargetURI, nil
}

// Recover re-runs commits interrupted by a crash: any session found in
// committing without a committed marker restarts from distillation,
// relying on the tree builder's unique-suffix idempotency.
func (e *Extractor) Recover(ctx context.Context) error {
	ids, err := e.store.CommittingSessions(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		logging.Session("recovering interrupted commit for session %s", id)
		if _, err := e.Commit(ctx, id, nil); err != nil {
			logging.Get(logging.CategorySession).Error("commit recovery failed for %s: %v", id, err)
		}
	}
	return nil
}

// slugify folds arbitrary slug text to a safe file stem.
func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "memory"
	}
	if len(out) > 60 {
		out = out[:60]
	}
	return out
}
