package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	kit "chanrelay/internal/transport"
	logx "chanrelay/pkg/logx"
)

// ErrOversize is matched by every *OversizeError.
var ErrOversize = errors.New("media exceeds size limit")

type OversizeError struct {
	FileName string
	Size     int64 // bytes seen before giving up; may be a lower bound
	Limit    int64
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf("%s: %d bytes exceeds limit of %d", e.FileName, e.Size, e.Limit)
}

func (e *OversizeError) Is(target error) bool { return target == ErrOversize }

// Staged is a downloaded attachment on disk. Remove must be called on every
// path once the bytes are no longer needed.
type Staged struct {
	Path     string
	FileName string
	Kind     kit.MediaKind
	Size     int64
}

func (s *Staged) Remove() error {
	if s == nil || s.Path == "" {
		return nil
	}
	err := os.Remove(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *Staged) ReadAll() ([]byte, error) { return os.ReadFile(s.Path) }

// Stager downloads inbound media into temp files under dir, enforcing the
// size ceiling both on reported metadata and on the bytes actually copied.
type Stager struct {
	dir string
	max int64
	dl  kit.Downloader
	log logx.Logger
}

const stagePrefix = "stage-"

func NewStager(dir string, max int64, dl kit.Downloader, log logx.Logger) (*Stager, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "chanrelay-media")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Stager{dir: dir, max: max, dl: dl, log: log}, nil
}

func (s *Stager) Dir() string  { return s.dir }
func (s *Stager) Limit() int64 { return s.max }

// Stage downloads m. An oversize item returns an *OversizeError and leaves
// nothing on disk.
func (s *Stager) Stage(ctx context.Context, msgID int, m kit.Media) (*Staged, error) {
	name := FileNameFor(msgID, m)
	if s.max > 0 && m.Size > s.max {
		return nil, &OversizeError{FileName: name, Size: m.Size, Limit: s.max}
	}

	f, err := os.CreateTemp(s.dir, stagePrefix+"*"+filepath.Ext(name))
	if err != nil {
		return nil, err
	}
	st := &Staged{Path: f.Name(), FileName: name, Kind: m.Kind}

	lw := &limitWriter{w: f, remaining: s.max, limited: s.max > 0}
	err = s.dl.Download(ctx, m, lw)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	st.Size = lw.written
	if err != nil {
		_ = st.Remove()
		if errors.Is(err, errLimit) {
			return nil, &OversizeError{FileName: name, Size: lw.written + 1, Limit: s.max}
		}
		return nil, fmt.Errorf("download %s: %w", name, err)
	}
	return st, nil
}

var errLimit = errors.New("write limit reached")

type limitWriter struct {
	w         io.Writer
	remaining int64
	limited   bool
	written   int64
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if l.limited && int64(len(p)) > l.remaining {
		n, _ := l.w.Write(p[:l.remaining])
		l.written += int64(n)
		l.remaining -= int64(n)
		return n, errLimit
	}
	n, err := l.w.Write(p)
	l.written += int64(n)
	l.remaining -= int64(n)
	return n, err
}

// Sweep removes staging files older than maxAge (all of them when maxAge
// is zero) and returns how many were removed.
func (s *Stager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), stagePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if maxAge > 0 && info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
			n++
		}
	}
	return n, nil
}

// FileNameFor keeps the network's file name when present, otherwise builds
// one from the kind and message id.
func FileNameFor(msgID int, m kit.Media) string {
	if name := filepath.Base(strings.TrimSpace(m.FileName)); name != "" && name != "." && name != "/" {
		return name
	}
	ext := ".bin"
	switch m.Kind {
	case kit.MediaPhoto:
		ext = ".jpg"
	case kit.MediaVideo:
		ext = ".mp4"
	case kit.MediaAudio:
		ext = ".mp3"
	}
	return m.Kind.String() + "_" + strconv.Itoa(msgID) + ext
}
