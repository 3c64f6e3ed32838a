// Package maildir implements the per-endpoint durable mailbox: the
// tmp/new/cur/failed directory scheme in which every state transition is a
// single atomic rename. Partial writes stage in tmp/ and are never visible
// to consumers; concurrent claims of one message are serialised by the
// rename syscall, so exactly one caller wins.
package maildir

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/relayio/relay/pkg/envelope"
)

// Mailbox state directories.
const (
	BoxTmp    = "tmp"
	BoxNew    = "new"
	BoxCur    = "cur"
	BoxFailed = "failed"
)

const (
	dirMode  = 0o700
	fileMode = 0o600

	msgExt    = ".json"
	reasonExt = ".reason.json"
)

var (
	// ErrMailboxMissing is returned when the endpoint's maildir does not exist.
	ErrMailboxMissing = errors.New("mailbox does not exist")

	// ErrNotFound is returned when the referenced message file is absent.
	ErrNotFound = errors.New("message not found")
)

// DeadLetter is the sidecar written next to a failed envelope.
type DeadLetter struct {
	Envelope     *envelope.Envelope `json:"envelope"`
	Reason       string             `json:"reason"`
	FailedAt     string             `json:"failedAt"`
	EndpointHash string             `json:"endpointHash"`
}

// Store manages all endpoint mailboxes under one root directory
// (<dataDir>/mailboxes). Filename ids come from a monotonic ULID generator,
// which is what makes new/ listings FIFO.
type Store struct {
	root string
	gen  *envelope.Generator
}

// New creates a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("maildir root is required")
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, err
	}
	return &Store{root: dir, gen: envelope.NewGenerator()}, nil
}

// Root returns the mailboxes root directory.
func (s *Store) Root() string { return s.root }

// MailboxPath returns the absolute path of an endpoint's mailbox.
func (s *Store) MailboxPath(hash string) string {
	return filepath.Join(s.root, hash)
}

// EnsureMaildir idempotently creates the four state directories for hash.
func (s *Store) EnsureMaildir(hash string) error {
	for _, box := range []string{BoxTmp, BoxNew, BoxCur, BoxFailed} {
		if err := os.MkdirAll(filepath.Join(s.root, hash, box), dirMode); err != nil {
			return err
		}
	}
	return nil
}

// HasMailbox reports whether a mailbox directory exists for hash.
func (s *Store) HasMailbox(hash string) bool {
	st, err := os.Stat(s.MailboxPath(hash))
	return err == nil && st.IsDir()
}

// RemoveMailbox deletes an endpoint's entire mailbox tree.
func (s *Store) RemoveMailbox(hash string) error {
	return os.RemoveAll(s.MailboxPath(hash))
}

// ListMailboxes returns the endpoint hashes present on disk.
func (s *Store) ListMailboxes() ([]string, error) {
	ents, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var hashes []string
	for _, e := range ents {
		if e.IsDir() {
			hashes = append(hashes, e.Name())
		}
	}
	sort.Strings(hashes)
	return hashes, nil
}

// Deliver stages the envelope in tmp/, fsyncs it, and renames it into new/.
// It returns the filename id, a fresh ULID distinct from envelope.ID. On
// success tmp/ holds nothing for this message.
func (s *Store) Deliver(hash string, env *envelope.Envelope) (string, error) {
	if !s.HasMailbox(hash) {
		return "", fmt.Errorf("deliver to %s: %w", hash, ErrMailboxMissing)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}

	id := s.gen.Next()
	tmpPath := filepath.Join(s.root, hash, BoxTmp, id+msgExt)
	newPath := filepath.Join(s.root, hash, BoxNew, id+msgExt)

	if err := writeFileSync(tmpPath, data); err != nil {
		return "", fmt.Errorf("stage envelope: %w", err)
	}
	if err := os.Rename(tmpPath, newPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("publish envelope: %w", err)
	}
	return id, nil
}

// Claim atomically moves new/<id> to cur/<id> and returns the parsed
// envelope. At most one of any set of concurrent claims succeeds; the losers
// get a claim-failed error wrapping ErrNotFound.
func (s *Store) Claim(hash, id string) (*envelope.Envelope, error) {
	newPath := filepath.Join(s.root, hash, BoxNew, id+msgExt)
	curPath := filepath.Join(s.root, hash, BoxCur, id+msgExt)

	if err := os.Rename(newPath, curPath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("claim failed for %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("claim failed for %s: %v", id, err)
	}
	env, err := readEnvelopeFile(curPath)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, fmt.Errorf("claim failed for %s: %w", id, ErrNotFound)
	}
	return env, nil
}

// Complete deletes a claimed message from cur/. Completing a message that
// was never claimed is an error.
func (s *Store) Complete(hash, id string) error {
	curPath := filepath.Join(s.root, hash, BoxCur, id+msgExt)
	if err := os.Remove(curPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("complete %s: %w", id, ErrNotFound)
		}
		return err
	}
	return nil
}

// Fail moves a claimed message from cur/ to failed/ and writes the
// dead-letter sidecar carrying the reason.
func (s *Store) Fail(hash, id, reason string) error {
	curPath := filepath.Join(s.root, hash, BoxCur, id+msgExt)
	failedPath := filepath.Join(s.root, hash, BoxFailed, id+msgExt)

	env, err := readEnvelopeFile(curPath)
	if err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("fail %s: %w", id, ErrNotFound)
	}
	if err := os.Rename(curPath, failedPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("fail %s: %w", id, ErrNotFound)
		}
		return err
	}
	return s.writeDeadLetter(hash, id, env, reason)
}

// FailDirect writes an envelope straight into failed/ plus its sidecar,
// bypassing tmp/new/cur. Used when a publish is rejected before any claim
// exists (budget violations).
func (s *Store) FailDirect(hash string, env *envelope.Envelope, reason string) error {
	if !s.HasMailbox(hash) {
		return fmt.Errorf("fail direct to %s: %w", hash, ErrMailboxMissing)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	failedPath := filepath.Join(s.root, hash, BoxFailed, env.ID+msgExt)
	if err := writeFileSync(failedPath, data); err != nil {
		return err
	}
	return s.writeDeadLetter(hash, env.ID, env, reason)
}

func (s *Store) writeDeadLetter(hash, id string, env *envelope.Envelope, reason string) error {
	dl := DeadLetter{
		Envelope:     env,
		Reason:       reason,
		FailedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		EndpointHash: hash,
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	return writeFileSync(filepath.Join(s.root, hash, BoxFailed, id+reasonExt), data)
}

// ListNew returns the filename ids waiting in new/, lexicographically sorted
// (FIFO, since ids are monotonic ULIDs). A missing mailbox lists empty.
func (s *Store) ListNew(hash string) ([]string, error) { return s.list(hash, BoxNew) }

// ListCurrent returns the filename ids claimed in cur/.
func (s *Store) ListCurrent(hash string) ([]string, error) { return s.list(hash, BoxCur) }

// ListFailed returns the filename ids in failed/, excluding sidecars.
func (s *Store) ListFailed(hash string) ([]string, error) { return s.list(hash, BoxFailed) }

func (s *Store) list(hash, box string) ([]string, error) {
	ents, err := os.ReadDir(filepath.Join(s.root, hash, box))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(ents))
	for _, e := range ents {
		name := e.Name()
		if strings.HasSuffix(name, reasonExt) || !strings.HasSuffix(name, msgExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, msgExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// ReadEnvelope parses a message file from the given box. Missing files
// return (nil, nil).
func (s *Store) ReadEnvelope(hash, box, id string) (*envelope.Envelope, error) {
	return readEnvelopeFile(filepath.Join(s.root, hash, box, id+msgExt))
}

// ReadDeadLetter parses the sidecar for a failed message. Missing sidecars
// return (nil, nil).
func (s *Store) ReadDeadLetter(hash, id string) (*DeadLetter, error) {
	data, err := os.ReadFile(filepath.Join(s.root, hash, BoxFailed, id+reasonExt))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var dl DeadLetter
	if err := json.Unmarshal(data, &dl); err != nil {
		return nil, fmt.Errorf("decode dead letter %s: %w", id, err)
	}
	return &dl, nil
}

func readEnvelopeFile(path string) (*envelope.Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope %s: %w", filepath.Base(path), err)
	}
	return &env, nil
}

// writeFileSync writes data with O_EXCL at mode 0600 and fsyncs before
// returning, so a crash never exposes a partial file past the rename.
func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}
