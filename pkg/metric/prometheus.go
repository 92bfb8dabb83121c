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


package metric

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// prometheusName converts a metric name such as "/vcuda/commands" into a valid
// Prometheus metric name.
func prometheusName(name string) string {
	return strings.NewReplacer("/", "_", "-", "_").Replace(strings.TrimPrefix(name, "/"))
}

func labels(f fieldMapper, key int) []*dto.LabelPair {
	values := f.keyToMultiField(key)
	pairs := make([]*dto.LabelPair, len(values))
	for i, v := range values {
		pairs[i] = &dto.LabelPair{
			Name:  proto.String(f.fields[i].name),
			Value: proto.String(v),
		}
	}
	return pairs
}

func (m *Uint64Metric) family() *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(prometheusName(m.name)),
		Help: proto.String(m.description),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for key := range m.fields {
		mf.Metric = append(mf.Metric, &dto.Metric{
			Label:   labels(m.fieldMapper, key),
			Counter: &dto.Counter{Value: proto.Float64(float64(m.fields[key].Load()))},
		})
	}
	return mf
}

func (d *DistributionMetric) family() *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(prometheusName(d.name)),
		Help: proto.String(d.description),
		Type: dto.MetricType_HISTOGRAM.Enum(),
	}
	n := d.bucketer.NumFiniteBuckets()
	for key, samples := range d.samples {
		var (
			cumulative uint64
			buckets    []*dto.Bucket
		)
		// Bucket i+1 holds samples in [LowerBound(i), LowerBound(i+1)).
		cumulative += samples[0].Load()
		for i := 0; i < n; i++ {
			cumulative += samples[i+1].Load()
			buckets = append(buckets, &dto.Bucket{
				CumulativeCount: proto.Uint64(cumulative),
				UpperBound:      proto.Float64(float64(d.bucketer.LowerBound(i+1) - 1)),
			})
		}
		cumulative += samples[n+1].Load()
		mf.Metric = append(mf.Metric, &dto.Metric{
			Label: labels(d.fieldsToKey, key),
			Histogram: &dto.Histogram{
				SampleCount: proto.Uint64(cumulative),
				SampleSum:   proto.Float64(float64(d.sums[key].Load())),
				Bucket:      buckets,
			},
		})
	}
	return mf
}

// WritePrometheus writes a snapshot of all registered metrics to w in the
// Prometheus text exposition format, sorted by name.
func WritePrometheus(w io.Writer) error {
	allMetrics.mu.Lock()
	var families []*dto.MetricFamily
	for _, name := range allMetrics.names() {
		if m, ok := allMetrics.uint64s[name]; ok {
			families = append(families, m.family())
		} else {
			families = append(families, allMetrics.distributions[name].family())
		}
	}
	allMetrics.mu.Unlock()

	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric %q: %w", mf.GetName(), err)
		}
	}
	return nil
}

// WritePrometheusFile atomically replaces path with a snapshot of all
// registered metrics.
func WritePrometheusFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := WritePrometheus(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
