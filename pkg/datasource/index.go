package datasource

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/lakeconnector/pkg/provider"
)

// maxLineBytes bounds a single NDJSON record.
const maxLineBytes = 64 << 20

// entry is one indexed resource.
type entry struct {
	raw         json.RawMessage
	id          string
	lastUpdated time.Time
	versionID   string

	// patient is the id of the patient compartment the resource belongs to.
	patient string
}

// object is the parsed content of one NDJSON object, reused while its
// size and modification time are unchanged.
type object struct {
	size         int64
	lastModified time.Time
	entries      []entry
}

type resourceHeader struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         struct {
		LastUpdated string `json:"lastUpdated"`
		VersionID   string `json:"versionId"`
	} `json:"meta"`
	Subject *reference `json:"subject"`
	Patient *reference `json:"patient"`
}

type reference struct {
	Reference string `json:"reference"`
}

// ErrMalformedRecord is returned for NDJSON lines that are not FHIR resources.
var ErrMalformedRecord = errors.New("malformed source record")

// load returns every resource of resourceType, ordered by lastUpdated then id.
func (s *Source) load(ctx context.Context, resourceType string) ([]entry, error) {
	prefix := s.typePrefix(resourceType)
	objects, err := s.list(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var stale []provider.ObjectSummary
	s.mu.Lock()
	live := make(map[string]struct{}, len(objects))
	for _, obj := range objects {
		live[obj.Key] = struct{}{}
		cached, ok := s.objects[obj.Key]
		if !ok || cached.size != obj.Size || !cached.lastModified.Equal(obj.LastModified) {
			stale = append(stale, obj)
		}
	}
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			if _, ok := live[key]; !ok {
				delete(s.objects, key)
			}
		}
	}
	s.mu.Unlock()

	if len(stale) > 0 {
		if err := s.readAll(ctx, resourceType, stale); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	var out []entry
	for _, obj := range objects {
		if cached, ok := s.objects[obj.Key]; ok {
			out = append(out, cached.entries...)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].lastUpdated.Equal(out[j].lastUpdated) {
			return out[i].lastUpdated.Before(out[j].lastUpdated)
		}
		return out[i].id < out[j].id
	})
	return out, nil
}

func (s *Source) list(ctx context.Context, prefix string) ([]provider.ObjectSummary, error) {
	var (
		out   []provider.ObjectSummary
		token string
	)
	for {
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
		page, err := s.store.List(ctx, provider.ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Objects {
			if strings.HasSuffix(obj.Key, ".ndjson") {
				out = append(out, obj)
			}
		}
		if page.ContinuationToken == "" {
			return out, nil
		}
		token = page.ContinuationToken
	}
}

// readAll parses objects with bounded concurrency and stores them in the cache.
func (s *Source) readAll(ctx context.Context, resourceType string, objects []provider.ObjectSummary) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, s.cfg.Concurrency)
	errCh := make(chan error, 1)
	var wg sync.WaitGroup

	for _, obj := range objects {
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(obj provider.ObjectSummary) {
			defer wg.Done()
			defer func() { <-sem }()

			entries, err := s.readObject(ctx, resourceType, obj.Key)
			if err != nil {
				select {
				case errCh <- err:
				default:
				}
				cancel()
				return
			}
			s.mu.Lock()
			s.objects[obj.Key] = &object{size: obj.Size, lastModified: obj.LastModified, entries: entries}
			s.mu.Unlock()
		}(obj)
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

func (s *Source) readObject(ctx context.Context, resourceType, key string) ([]entry, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	rc, size, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	defer rc.Close()
	s.metrics.RecordSourceBytes(size)

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var out []entry
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		e, err := parseEntry(text)
		if err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %v", ErrMalformedRecord, key, line, err)
		}
		if e.resourceType != resourceType {
			s.log.Debug("skipping record of another type",
				zap.String("key", key), zap.Int("line", line), zap.String("resource_type", e.resourceType))
			continue
		}
		out = append(out, e.entry)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return out, nil
}

type typedEntry struct {
	entry
	resourceType string
}

func parseEntry(line []byte) (typedEntry, error) {
	var h resourceHeader
	if err := json.Unmarshal(line, &h); err != nil {
		return typedEntry{}, err
	}
	if h.ResourceType == "" {
		return typedEntry{}, errors.New("missing resourceType")
	}
	if h.Meta.LastUpdated == "" {
		return typedEntry{}, errors.New("missing meta.lastUpdated")
	}
	ts, err := time.Parse(time.RFC3339Nano, h.Meta.LastUpdated)
	if err != nil {
		return typedEntry{}, fmt.Errorf("meta.lastUpdated: %w", err)
	}

	raw := make(json.RawMessage, len(line))
	copy(raw, line)

	e := typedEntry{
		resourceType: h.ResourceType,
		entry: entry{
			raw:         raw,
			id:          h.ID,
			lastUpdated: ts.UTC(),
			versionID:   h.Meta.VersionID,
		},
	}
	switch {
	case h.ResourceType == "Patient":
		e.patient = h.ID
	case h.Subject != nil && strings.HasPrefix(h.Subject.Reference, "Patient/"):
		e.patient, _ = parseReference(h.Subject.Reference, "Patient")
	case h.Patient != nil && strings.HasPrefix(h.Patient.Reference, "Patient/"):
		e.patient, _ = parseReference(h.Patient.Reference, "Patient")
	}
	return e, nil
}
