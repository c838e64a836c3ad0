package requests

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/portal/internal/domain/status"
	"github.com/clinicops/portal/internal/platform/apperr"
	"github.com/clinicops/portal/internal/platform/clock"
)

// FileStore keeps the whole collection in one JSON file guarded by a single
// mutex. It suits a single-process deployment only.
//
// A missing, unreadable or corrupt file is treated as an empty store so the
// portal stays available. A corrupt file is moved aside to <path>.corrupt-<ts>
// before the next write replaces it, and both events are logged at warn level.
type FileStore struct {
	mu     sync.Mutex
	path   string
	clock  clock.Clock
	logger zerolog.Logger
}

func NewFileStore(path string, clk clock.Clock, logger zerolog.Logger) *FileStore {
	return &FileStore{
		path:   path,
		clock:  clk,
		logger: logger.With().Str("component", "request_store").Str("path", path).Logger(),
	}
}

// load reads the collection. When quarantine is set, a corrupt file is
// renamed aside so the following save cannot destroy it.
func (s *FileStore) load(quarantine bool) []Request {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("request store unreadable, treating as empty")
		return nil
	}
	if len(raw) == 0 {
		return nil
	}

	var reqs []Request
	if err := json.Unmarshal(raw, &reqs); err != nil {
		ev := s.logger.Warn().Err(err)
		if quarantine {
			aside := fmt.Sprintf("%s.corrupt-%d", s.path, s.clock.Now().UnixNano())
			if rerr := os.Rename(s.path, aside); rerr != nil {
				ev = ev.AnErr("rename_error", rerr)
			} else {
				ev = ev.Str("moved_to", aside)
			}
		}
		ev.Msg("request store corrupt, treating as empty")
		return nil
	}
	return reqs
}

// save writes to a temporary file, syncs it and renames it over the target,
// so readers only ever see the previous or the new complete collection.
func (s *FileStore) save(reqs []Request) error {
	if reqs == nil {
		reqs = []Request{}
	}
	data, err := json.MarshalIndent(reqs, "", "  ")
	if err != nil {
		return apperr.Persistence("requests.save", fmt.Errorf("marshal: %w", err))
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Persistence("requests.save", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return apperr.Persistence("requests.save", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return apperr.Persistence("requests.save", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return apperr.Persistence("requests.save", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return apperr.Persistence("requests.save", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return apperr.Persistence("requests.save", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// mutate runs one load-mutate-persist cycle under the store lock. fn reports
// whether it changed anything; unchanged collections are not rewritten.
func (s *FileStore) mutate(ctx context.Context, fn func(reqs []Request) ([]Request, bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	reqs, changed, err := fn(s.load(true))
	if err != nil || !changed {
		return err
	}
	return s.save(reqs)
}

func (s *FileStore) snapshot(ctx context.Context) ([]Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(false), nil
}

func (s *FileStore) Add(ctx context.Context, r *Request) (*Request, error) {
	var stored Request
	err := s.mutate(ctx, func(reqs []Request) ([]Request, bool, error) {
		rec := r.Clone()
		if err := prepareNew(&rec, s.clock.Now()); err != nil {
			return nil, false, err
		}
		var max int64
		for _, existing := range reqs {
			if existing.ID == rec.ID && rec.ID != 0 {
				return nil, false, apperr.Validation("requests.Add", "request id %d already exists", rec.ID)
			}
			if existing.ID > max {
				max = existing.ID
			}
		}
		if rec.ID == 0 {
			rec.ID = max + 1
		}
		stored = rec
		return append(reqs, rec), true, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("request_id", stored.ID).Str("patient_id", stored.PatientID.String()).Msg("request added")
	return &stored, nil
}

func (s *FileStore) GetAll(ctx context.Context) ([]Request, error) {
	reqs, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(reqs)
	return reqs, nil
}

func (s *FileStore) GetByPatient(ctx context.Context, patientID uuid.UUID) ([]Request, error) {
	reqs, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Request, 0)
	for _, r := range reqs {
		if r.PatientID == patientID {
			out = append(out, r)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *FileStore) GetByID(ctx context.Context, id int64) (*Request, error) {
	reqs, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	for i := range reqs {
		if reqs[i].ID == id {
			return &reqs[i], nil
		}
	}
	return nil, apperr.NotFound("requests.GetByID", "request", id)
}

func (s *FileStore) GetRecent(ctx context.Context, n int) ([]Request, error) {
	reqs, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if n >= 0 && len(reqs) > n {
		reqs = reqs[:n]
	}
	return reqs, nil
}

func (s *FileStore) Approve(ctx context.Context, id int64, p ApproveParams) (*Request, error) {
	var out Request
	var changed bool
	err := s.mutate(ctx, func(reqs []Request) ([]Request, bool, error) {
		i := indexOf(reqs, id)
		if i < 0 {
			return nil, false, apperr.NotFound("requests.Approve", "request", id)
		}
		var err error
		changed, err = applyApprove(&reqs[i], p, s.clock.Now())
		if err != nil {
			return nil, false, err
		}
		out = reqs[i].Clone()
		return reqs, changed, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.logger.Info().Int64("request_id", id).Str("appointment_id", p.LinkedAppointmentID.String()).
			Str("processed_by", p.Actor).Msg("request approved")
	}
	return &out, nil
}

func (s *FileStore) Decline(ctx context.Context, id int64, reason, actor string) (*Request, error) {
	var out Request
	var changed bool
	err := s.mutate(ctx, func(reqs []Request) ([]Request, bool, error) {
		i := indexOf(reqs, id)
		if i < 0 {
			return nil, false, apperr.NotFound("requests.Decline", "request", id)
		}
		var err error
		changed, err = applyDecline(&reqs[i], reason, actor, s.clock.Now())
		if err != nil {
			return nil, false, err
		}
		out = reqs[i].Clone()
		return reqs, changed, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.logger.Info().Int64("request_id", id).Str("processed_by", actor).Msg("request declined")
	}
	return &out, nil
}

func (s *FileStore) CountByStatus(ctx context.Context, st status.RequestStatus) (int, error) {
	return s.CountMatching(ctx, func(r Request) bool { return r.Status == st })
}

func (s *FileStore) CountMatching(ctx context.Context, pred func(Request) bool) (int, error) {
	reqs, err := s.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range reqs {
		if pred(r) {
			n++
		}
	}
	return n, nil
}

func (s *FileStore) Reset(ctx context.Context) error {
	err := s.mutate(ctx, func([]Request) ([]Request, bool, error) {
		return []Request{}, true, nil
	})
	if err == nil {
		s.logger.Warn().Msg("request store reset")
	}
	return err
}

func indexOf(reqs []Request, id int64) int {
	for i := range reqs {
		if reqs[i].ID == id {
			return i
		}
	}
	return -1
}

func sortNewestFirst(reqs []Request) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if !reqs[i].SubmittedAt.Equal(reqs[j].SubmittedAt) {
			return reqs[i].SubmittedAt.After(reqs[j].SubmittedAt)
		}
		return reqs[i].ID > reqs[j].ID
	})
}
