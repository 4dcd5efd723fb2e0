// Package rrd implements fixed-size round-robin time-series archives over a
// typed data source, matching the Proxmox RRD v2 on-disk format: an 8-byte
// magic followed by the CBOR encoding of the RRD structure.
package rrd

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Magic2 is the RRD v2 file magic: sha256("Proxmox Round Robin Database file v2.0")[0:8].
var Magic2 = [8]byte{0xE0, 0xC8, 0xE4, 0x1B, 0xEF, 0x70, 0x7A, 0x9F}

// DST is an RRD data source type.
type DST int

const (
	// Gauge values are stored unmodified.
	Gauge DST = iota
	// Derive stores the difference to the previous value, divided by dt.
	Derive
	// Counter is like Derive but rejects negative values and detects wrap.
	Counter
)

func (d DST) String() string {
	switch d {
	case Gauge:
		return "gauge"
	case Derive:
		return "derive"
	case Counter:
		return "counter"
	default:
		return "unknown"
	}
}

// CF is a consolidation function applied when multiple updates land in the
// same archive slot.
type CF int

const (
	Average CF = iota
	Maximum
	Minimum
	Last
)

func (c CF) String() string {
	switch c {
	case Average:
		return "average"
	case Maximum:
		return "maximum"
	case Minimum:
		return "minimum"
	case Last:
		return "last"
	default:
		return "unknown"
	}
}

// DataSource tracks the running state needed to derive per-update samples.
type DataSource struct {
	DST        DST     `cbor:"dst"`
	LastUpdate float64 `cbor:"last_update"`
	LastValue  float64 `cbor:"last_value"`
}

func newDataSource(dst DST) DataSource {
	return DataSource{DST: dst, LastUpdate: 0, LastValue: math.NaN()}
}

// ErrCounterOverflow is returned when a Counter data source observes a
// decreasing value. The new value is recorded as the baseline so the next
// update can still compute a diff, but no sample is produced for this call.
var ErrCounterOverflow = fmt.Errorf("rrd: counter overflow or reset detected")

func (s *DataSource) computeNewValue(t, value float64) (float64, error) {
	if t < 0 {
		return 0, fmt.Errorf("rrd: negative time")
	}
	if t <= s.LastUpdate {
		return 0, fmt.Errorf("rrd: time in past (%v <= %v)", t, s.LastUpdate)
	}
	if math.IsNaN(value) {
		return 0, fmt.Errorf("rrd: new value is NaN")
	}

	isCounter := s.DST == Counter
	if isCounter || s.DST == Derive {
		dt := t - s.LastUpdate

		var diff float64
		switch {
		case math.IsNaN(s.LastValue):
			diff = 0
		case isCounter && value < 0:
			return 0, fmt.Errorf("rrd: negative value for counter")
		case isCounter && value < s.LastValue:
			s.LastValue = value
			return 0, ErrCounterOverflow
		default:
			diff = value - s.LastValue
		}
		s.LastValue = value
		value = diff / dt
	} else {
		s.LastValue = value
	}

	return value, nil
}

// Archive is one round-robin archive: a fixed number of slots of
// resolution-seconds width, consolidated by cf.
type Archive struct {
	Resolution uint64    `cbor:"resolution"`
	CF         CF        `cbor:"cf"`
	LastCount  uint64    `cbor:"last_count"`
	Data       []float64 `cbor:"data"`
}

// NewArchive returns an empty archive of the given shape, every slot unset.
func NewArchive(cf CF, resolutionSeconds uint64, slots int) Archive {
	data := make([]float64, slots)
	for i := range data {
		data[i] = math.NaN()
	}
	return Archive{CF: cf, Resolution: resolutionSeconds, Data: data}
}

func (a *Archive) slot(t uint64) int {
	return int((t / a.Resolution) % uint64(len(a.Data)))
}

func (a *Archive) slotEndTime(t uint64) uint64 {
	return a.Resolution * (t/a.Resolution + 1)
}

func (a *Archive) deleteOldSlots(t, lastUpdate float64) {
	epoch := uint64(t)
	last := uint64(lastUpdate)
	reso := a.Resolution
	n := uint64(len(a.Data))

	minTime := satSub(epoch, n*reso)
	minTime = (minTime/reso + 1) * reso

	cur := satSub(last, n*reso)
	index := a.slot(cur)

	for i := uint64(0); i < n; i++ {
		cur += reso
		index++
		if index >= len(a.Data) {
			index = 0
		}
		if cur < minTime {
			a.Data[index] = math.NaN()
		} else {
			break
		}
	}
}

func satSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

func (a *Archive) computeNewValue(t, lastUpdate, value float64) {
	epoch := uint64(t)
	last := uint64(lastUpdate)
	reso := a.Resolution

	index := a.slot(epoch)
	lastIndex := a.slot(last)

	if epoch-last > reso || index != lastIndex {
		a.LastCount = 0
	}

	lastValue := a.Data[index]
	if math.IsNaN(lastValue) {
		a.LastCount = 0
	}

	newCount := a.LastCount + 1
	if a.LastCount == math.MaxUint64 {
		newCount = math.MaxUint64
	}

	if a.LastCount == 0 {
		a.Data[index] = value
		a.LastCount = 1
		return
	}

	var newValue float64
	switch a.CF {
	case Maximum:
		if lastValue > value {
			newValue = lastValue
		} else {
			newValue = value
		}
	case Minimum:
		if lastValue < value {
			newValue = lastValue
		} else {
			newValue = value
		}
	case Last:
		newValue = value
	default: // Average
		newValue = lastValue*(float64(a.LastCount))/float64(newCount) + value/float64(newCount)
	}
	a.Data[index] = newValue
	a.LastCount = newCount
}

// Point is one extracted sample: either a value, or an unfilled gap.
type Point struct {
	Value float64
	Valid bool
}

func some(v float64) Point { return Point{Value: v, Valid: true} }
func none() Point          { return Point{} }

func (a *Archive) extractData(start, end uint64, lastUpdate float64) (uint64, uint64, []Point) {
	last := uint64(lastUpdate)
	reso := a.Resolution
	n := uint64(len(a.Data))

	rrdEnd := a.slotEndTime(last)
	rrdStart := satSub(rrdEnd, reso*n)

	var list []Point
	t := start
	index := a.slot(t)
	for i := uint64(0); i < n; i++ {
		if t > end {
			break
		}
		if t < rrdStart || t >= rrdEnd {
			list = append(list, none())
		} else {
			v := a.Data[index]
			if math.IsNaN(v) {
				list = append(list, none())
			} else {
				list = append(list, some(v))
			}
		}
		t += reso
		index++
		if index >= len(a.Data) {
			index = 0
		}
	}
	return start, reso, list
}

// RRD is a round robin database: one data source plus the archives computed
// from it.
type RRD struct {
	Source   DataSource `cbor:"source"`
	Archives []Archive  `cbor:"rra_list"`

	now func() time.Time
}

// New returns an RRD over the given data source type and archive set. The
// archive set can be changed freely between saves; nothing ties it to a
// fixed schema version.
func New(dst DST, archives []Archive) *RRD {
	return &RRD{Source: newDataSource(dst), Archives: archives, now: time.Now}
}

// LastUpdate returns the epoch time of the most recent successful Update.
func (r *RRD) LastUpdate() float64 {
	return r.Source.LastUpdate
}

// Update records one sample at time t (epoch seconds), mutating every
// archive in place. Time must be strictly increasing across calls. On a
// counter wrap the new baseline is still recorded so the next update can
// compute against it, but ErrCounterOverflow is returned and no archive is
// touched for this call.
func (r *RRD) Update(t, value float64) error {
	sample, err := r.Source.computeNewValue(t, value)
	if err != nil {
		return err
	}

	lastUpdate := r.Source.LastUpdate
	r.Source.LastUpdate = t

	for i := range r.Archives {
		r.Archives[i].deleteOldSlots(t, lastUpdate)
		r.Archives[i].computeNewValue(t, lastUpdate, sample)
	}
	return nil
}

// Extract selects the archive with the given cf and the highest resolution
// not exceeding resolutionSeconds, then returns a contiguous run of samples
// covering [start, end]. start/end default to the last ten slots of the
// chosen archive ending at the current time when nil.
func (r *RRD) Extract(cf CF, resolutionSeconds uint64, start, end *uint64) (uint64, uint64, []Point, error) {
	var chosen *Archive
	for i := range r.Archives {
		a := &r.Archives[i]
		if a.CF != cf || a.Resolution > resolutionSeconds {
			continue
		}
		if chosen == nil || a.Resolution > chosen.Resolution {
			chosen = a
		}
	}
	if chosen == nil {
		return 0, 0, nil, fmt.Errorf("rrd: no archive matches cf=%s resolution<=%d", cf, resolutionSeconds)
	}

	endVal := uint64(r.now().Unix())
	if end != nil {
		endVal = *end
	}
	startVal := satSub(endVal, 10*chosen.Resolution)
	if start != nil {
		startVal = *start
	}

	s, reso, data := chosen.extractData(startVal, endVal, r.Source.LastUpdate)
	return s, reso, data, nil
}

// Encode returns the on-disk representation: the v2 magic followed by CBOR.
func Encode(r *RRD) ([]byte, error) {
	body, err := cbor.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("rrd: marshal: %w", err)
	}
	out := make([]byte, 0, len(Magic2)+len(body))
	out = append(out, Magic2[:]...)
	out = append(out, body...)
	return out, nil
}

// ErrLegacyFormat is returned by Decode when raw's first 8 bytes are not
// Magic2, which covers a v1 file as well as any other unrecognized prefix.
// The v1 binary layout is not implemented; callers encountering this should
// fall back to whatever legacy reader produced the file originally.
var ErrLegacyFormat = fmt.Errorf("rrd: legacy v1 file format is not supported for in-place decode")

// Decode parses the on-disk representation written by Encode.
func Decode(raw []byte) (*RRD, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("rrd: file too small (%d bytes)", len(raw))
	}
	if !bytes.Equal(raw[:8], Magic2[:]) {
		return nil, ErrLegacyFormat
	}

	var r RRD
	if err := cbor.Unmarshal(raw[8:], &r); err != nil {
		return nil, fmt.Errorf("rrd: decode: %w", err)
	}
	if r.Source.LastUpdate < 0 {
		return nil, fmt.Errorf("rrd: negative last_update time")
	}
	r.now = time.Now
	return &r, nil
}

// Load reads and decodes an RRD file from path.
func Load(path string) (*RRD, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rrd: read file: %w", err)
	}
	return Decode(raw)
}

// Save atomically writes r to path via a temp file and rename.
func Save(path string, r *RRD) error {
	data, err := Encode(r)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("rrd: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rrd: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rrd: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rrd: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rrd: rename into place: %w", err)
	}
	return nil
}
