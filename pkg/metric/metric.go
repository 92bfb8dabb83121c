// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package metric provides primitives for collecting metrics.
//
// Metrics are registered at package init time and exported in the Prometheus
// text exposition format by WritePrometheus.
package metric

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("field must contain allowed values")

	// ErrTooManyFieldCombinations is returned when registering a metric
	// whose fields would require too many combinations to be represented.
	ErrTooManyFieldCombinations = errors.New("too many field combinations")
)

// Uint64Metric encapsulates a uint64 that represents some kind of metric to
// be monitored. Values are broken down by fields, each of which has a fixed
// set of allowed values.
type Uint64Metric struct {
	name        string
	description string

	// fieldMapper is used to generate index keys for the fields array.
	fieldMapper fieldMapper

	// fields is the map of field-value combination index keys to Uint64
	// counters.
	fields []atomic.Uint64
}

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues []string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper maps multi-dimensional field values to a single unique
// integer key.
type fieldMapper struct {
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible field
	// combinations.
	numFieldCombinations int
}

func newFieldMapper(fields ...Field) (fieldMapper, error) {
	numFieldCombinations := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		numFieldCombinations *= len(f.allowedValues)
		if numFieldCombinations > math.MaxUint32 || numFieldCombinations < 0 {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	return fieldMapper{
		fields:               fields,
		numFieldCombinations: numFieldCombinations,
	}, nil
}

// lookup returns the key of the given field values. It must be called with
// one allowed value per field, or it will panic.
func (m fieldMapper) lookup(values ...string) int {
	if len(values) != len(m.fields) {
		panic("invalid field lookup depth")
	}
	idx := 0
	remaining := m.numFieldCombinations
Lookup:
	for i, val := range values {
		for valIdx, allowedVal := range m.fields[i].allowedValues {
			if val == allowedVal {
				remaining /= len(m.fields[i].allowedValues)
				idx += remaining * valIdx
				continue Lookup
			}
		}
		panic(fmt.Sprintf("disallowed value %q for field %q", val, m.fields[i].name))
	}
	return idx
}

// keyToMultiField is the reverse of lookup.
func (m fieldMapper) keyToMultiField(key int) []string {
	if len(m.fields) == 0 {
		return nil
	}
	values := make([]string, len(m.fields))
	remaining := m.numFieldCombinations
	for i, f := range m.fields {
		remaining /= len(f.allowedValues)
		values[i] = f.allowedValues[key/remaining]
		key %= remaining
	}
	return values
}

// registry holds all registered metrics.
type registry struct {
	mu            sync.Mutex
	uint64s       map[string]*Uint64Metric
	distributions map[string]*DistributionMetric
}

var allMetrics = makeRegistry()

func makeRegistry() *registry {
	return &registry{
		uint64s:       make(map[string]*Uint64Metric),
		distributions: make(map[string]*DistributionMetric),
	}
}

func (r *registry) nameInUse(name string) bool {
	_, ok := r.uint64s[name]
	_, ok2 := r.distributions[name]
	return ok || ok2
}

// names returns all registered metric names, sorted.
func (r *registry) names() []string {
	var names []string
	for n := range r.uint64s {
		names = append(names, n)
	}
	for n := range r.distributions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
func NewUint64Metric(name string, description string, fields ...Field) (*Uint64Metric, error) {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if allMetrics.nameInUse(name) {
		return nil, ErrNameInUse
	}
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		fieldMapper: f,
		fields:      make([]atomic.Uint64, f.numFieldCombinations),
	}
	allMetrics.uint64s[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will
// panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.fields[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// Bucketer is an interface to bucket values into finite, distinct buckets.
type Bucketer interface {
	// NumFiniteBuckets is the number of finite buckets in the distribution.
	NumFiniteBuckets() int

	// LowerBound takes the index of a bucket (within [0, NumBuckets()]) and
	// returns the inclusive lower bound of that bucket. The upper bound of a
	// bucket is the lower bound of the next bucket. The last bucket is
	// infinite.
	LowerBound(bucketIndex int) int64

	// BucketIndex takes a sample and returns the index of the bucket that the
	// sample should fall into: NumFiniteBuckets() for the infinite bucket and
	// -1 for samples below the first bucket.
	BucketIndex(sample int64) int
}

// ExponentialBucketer implements Bucketer, with the first bucket starting
// with 0 as lowest bound with `width` width, and each subsequent bucket being
// wider by a scaled exponentially-growing series, until `numFiniteBuckets`
// buckets exist.
type ExponentialBucketer struct {
	numFiniteBuckets int
	width            float64
	scale            float64
	growth           float64

	// maxSample is the max sample value which can be represented in a finite
	// bucket.
	maxSample int64

	// lowerBounds[numFiniteBuckets] is the lower bound of the overflow bucket.
	lowerBounds []int64
}

// Minimum/maximum finite buckets for exponential bucketers.
const (
	exponentialMinBuckets = 1
	exponentialMaxBuckets = 100
)

// NewExponentialBucketer returns a new Bucketer with exponential buckets.
func NewExponentialBucketer(numFiniteBuckets int, width uint64, scale, growth float64) *ExponentialBucketer {
	if numFiniteBuckets < exponentialMinBuckets || numFiniteBuckets > exponentialMaxBuckets {
		panic(fmt.Sprintf("number of finite buckets must be in [%d, %d]", exponentialMinBuckets, exponentialMaxBuckets))
	}
	if scale < 0 || growth < 0 {
		panic(fmt.Sprintf("scale and growth for exponential buckets must be >0, got scale=%f and growth=%f", scale, growth))
	}
	b := &ExponentialBucketer{
		numFiniteBuckets: numFiniteBuckets,
		width:            float64(width),
		scale:            scale,
		growth:           growth,
		lowerBounds:      make([]int64, numFiniteBuckets+1),
	}
	for i := 1; i <= numFiniteBuckets; i++ {
		b.lowerBounds[i] = int64(b.width*float64(i) + b.scale*math.Pow(b.growth, float64(i-1)))
		if b.lowerBounds[i] < 0 {
			panic(fmt.Sprintf("encountered bucket width overflow at bucket %d", i))
		}
	}
	b.maxSample = b.lowerBounds[numFiniteBuckets] - 1
	return b
}

// NumFiniteBuckets implements Bucketer.NumFiniteBuckets.
func (b *ExponentialBucketer) NumFiniteBuckets() int {
	return b.numFiniteBuckets
}

// LowerBound implements Bucketer.LowerBound.
func (b *ExponentialBucketer) LowerBound(bucketIndex int) int64 {
	return b.lowerBounds[bucketIndex]
}

// BucketIndex implements Bucketer.BucketIndex.
func (b *ExponentialBucketer) BucketIndex(sample int64) int {
	if sample < 0 {
		return -1
	}
	if sample > b.maxSample {
		return b.numFiniteBuckets
	}
	// lowerBounds is sorted; find the last bound <= sample.
	return sort.Search(b.numFiniteBuckets, func(i int) bool {
		return b.lowerBounds[i+1] > sample
	})
}

// Verify that ExponentialBucketer implements Bucketer.
var _ = (Bucketer)((*ExponentialBucketer)(nil))

// DistributionMetric represents a distribution of values in finite buckets.
type DistributionMetric struct {
	name        string
	description string
	bucketer    Bucketer
	fieldsToKey fieldMapper

	// samples is indexed by field key, then by bucket. Bucket 0 is the
	// underflow bucket; bucket i+1 is the bucketer's i-th bucket.
	samples [][]atomic.Uint64

	// sums is the sum of all samples, per field key.
	sums []atomic.Int64
}

// NewDistributionMetric creates and registers a new distribution metric.
func NewDistributionMetric(name string, bucketer Bucketer, description string, fields ...Field) (*DistributionMetric, error) {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if allMetrics.nameInUse(name) {
		return nil, ErrNameInUse
	}
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	samples := make([][]atomic.Uint64, f.numFieldCombinations)
	for i := range samples {
		samples[i] = make([]atomic.Uint64, bucketer.NumFiniteBuckets()+2)
	}
	d := &DistributionMetric{
		name:        name,
		description: description,
		bucketer:    bucketer,
		fieldsToKey: f,
		samples:     samples,
		sums:        make([]atomic.Int64, f.numFieldCombinations),
	}
	allMetrics.distributions[name] = d
	return d, nil
}

// MustCreateNewDistributionMetric creates and registers a distribution metric.
// If an error occurs, it panics.
func MustCreateNewDistributionMetric(name string, bucketer Bucketer, description string, fields ...Field) *DistributionMetric {
	d, err := NewDistributionMetric(name, bucketer, description, fields...)
	if err != nil {
		panic(err)
	}
	return d
}

// AddSample adds a sample to the distribution.
// This *must* be called with the correct number of fields, or it will panic.
func (d *DistributionMetric) AddSample(sample int64, fields ...string) {
	key := d.fieldsToKey.lookup(fields...)
	d.samples[key][d.bucketer.BucketIndex(sample)+1].Add(1)
	d.sums[key].Add(sample)
}
