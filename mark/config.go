package mark

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v3"
)

//go:embed tuning.yaml
var rawTuning []byte

var defaultTuning Tuning

// Tuning holds the knobs of the marking engine. Stack sizes are byte
// strings ("256KB") and are converted to whole chunks on use.
type Tuning struct {
	// MarkingThreads fixes the worker count for stop-the-world phases;
	// zero derives it from the machine. Phases that share the machine
	// with mutators run ConcurrentRatio of that count.
	MarkingThreads  int     `yaml:"markingThreads"`
	ConcurrentRatio float64 `yaml:"concurrentRatio"`

	// StepTargetMillis bounds one concurrent marking step. The regular
	// clock checks elapsed time against this target.
	StepTargetMillis float64 `yaml:"stepTargetMillis"`

	// LocalQueueCapacity is entries per task queue, rounded up to a
	// power of two.
	LocalQueueCapacity int `yaml:"localQueueCapacity"`

	MarkStackSize    string `yaml:"markStackSize"`
	MarkStackSizeMax string `yaml:"markStackSizeMax"`

	// Periods between regular clock calls, counted in words scanned and
	// references visited.
	WordsScannedPeriod uint64 `yaml:"wordsScannedPeriod"`
	RefsReachedPeriod  uint64 `yaml:"refsReachedPeriod"`

	// SliceStride is the largest run of reference-array slots processed
	// before the remainder is pushed back as a continuation.
	SliceStride uint64 `yaml:"sliceStride"`
}

// DefaultTuning returns the embedded defaults.
func DefaultTuning() Tuning {
	return defaultTuning
}

// LoadTuning reads a tuning file and overlays it onto the defaults.
// Fields the file omits keep their default values.
func LoadTuning(path string) (Tuning, error) {
	t := defaultTuning
	data, err := os.ReadFile(path)
	if err != nil {
		return t, errors.Join(ErrBadTuning, err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, errors.Join(ErrBadTuning, err)
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

// StackChunks converts the byte sizes to chunk counts.
func (t Tuning) StackChunks() (initial, max int, err error) {
	const chunkBytes = chunkWords * 8
	size, err := bytesize.Parse(t.MarkStackSize)
	if err != nil {
		return 0, 0, errors.Join(ErrBadTuning, err)
	}
	limit, err := bytesize.Parse(t.MarkStackSizeMax)
	if err != nil {
		return 0, 0, errors.Join(ErrBadTuning, err)
	}
	initial = int(uint64(size) / chunkBytes)
	max = int(uint64(limit) / chunkBytes)
	if initial < 1 {
		return 0, 0, errors.Join(ErrBadTuning,
			fmt.Errorf("markStackSize %s is below one %d byte chunk", t.MarkStackSize, chunkBytes))
	}
	if max < initial {
		return 0, 0, errors.Join(ErrBadTuning,
			fmt.Errorf("markStackSizeMax %s is below markStackSize %s", t.MarkStackSizeMax, t.MarkStackSize))
	}
	return initial, max, nil
}

// StepTarget returns the concurrent step bound as a duration.
func (t Tuning) StepTarget() time.Duration {
	return time.Duration(t.StepTargetMillis * float64(time.Millisecond))
}

func (t Tuning) Validate() error {
	var errs []error
	if t.MarkingThreads < 0 {
		errs = append(errs, fmt.Errorf("markingThreads %d is negative", t.MarkingThreads))
	}
	if t.ConcurrentRatio <= 0 || t.ConcurrentRatio > 1 {
		errs = append(errs, fmt.Errorf("concurrentRatio %v is outside (0, 1]", t.ConcurrentRatio))
	}
	if t.StepTargetMillis <= 0 {
		errs = append(errs, fmt.Errorf("stepTargetMillis %v is not positive", t.StepTargetMillis))
	}
	// A global stack chunk must fit into a mostly drained local queue.
	if t.LocalQueueCapacity < 2*chunkEntries {
		errs = append(errs, fmt.Errorf("localQueueCapacity %d is below %d", t.LocalQueueCapacity, 2*chunkEntries))
	}
	if t.WordsScannedPeriod == 0 || t.RefsReachedPeriod == 0 {
		errs = append(errs, errors.New("clock periods must be positive"))
	}
	if t.SliceStride == 0 {
		errs = append(errs, errors.New("sliceStride must be positive"))
	}
	if _, _, err := t.StackChunks(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrBadTuning}, errs...)...)
	}
	return nil
}

func init() {
	if err := yaml.Unmarshal(rawTuning, &defaultTuning); err != nil {
		panic(err)
	}
	if err := defaultTuning.Validate(); err != nil {
		panic(err)
	}
}
