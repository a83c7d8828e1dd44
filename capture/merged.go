package capture

import (
	"github.com/montanaflynn/stats"

	"github.com/volcap/multicam/pointcloud"
)

// MergedPointCloud is the result of one capture cycle: the clouds of every camera in
// camera index order, with the auxiliary data the consumer asked for. It belongs to the
// consumer once returned by GetPointcloud.
type MergedPointCloud struct {
	Cloud *pointcloud.PointCloud
	// Timestamp is the depth timestamp of the first camera in microseconds, or the
	// wall clock in milliseconds when new timestamps are configured.
	Timestamp uint64
	Aux       *pointcloud.AuxiliaryData
}

func newMergedPointCloud(timestamp uint64) *MergedPointCloud {
	return &MergedPointCloud{
		Cloud:     pointcloud.New(),
		Timestamp: timestamp,
		Aux:       pointcloud.NewAuxiliaryData(),
	}
}

// Size returns the number of points.
func (m *MergedPointCloud) Size() int {
	if m == nil {
		return 0
	}
	return m.Cloud.Size()
}

// Statistics summarizes a capture session.
type Statistics struct {
	// Produced counts published clouds, Delivered those taken by a consumer.
	Produced  int
	Delivered int
	// Discarded counts published clouds replaced before anyone took them.
	Discarded   int
	MergeErrors int
	// Cycle times in milliseconds, from the start of capture until publication.
	MeanCycleMs   float64
	MedianCycleMs float64
	P95CycleMs    float64
	MaxCycleMs    float64
	Cameras       []CameraStats
}

const maxCycleSamples = 1000

// cycleTimes keeps the most recent cycle durations.
type cycleTimes struct {
	samples []float64
	next    int
}

func (ct *cycleTimes) add(ms float64) {
	if len(ct.samples) < maxCycleSamples {
		ct.samples = append(ct.samples, ms)
		return
	}
	ct.samples[ct.next] = ms
	ct.next = (ct.next + 1) % maxCycleSamples
}

func (ct *cycleTimes) summarize(out *Statistics) {
	if len(ct.samples) == 0 {
		return
	}
	data := stats.Float64Data(append([]float64(nil), ct.samples...))
	// Errors only happen for empty input.
	out.MeanCycleMs, _ = data.Mean()
	out.MedianCycleMs, _ = data.Median()
	out.P95CycleMs, _ = data.Percentile(95)
	out.MaxCycleMs, _ = data.Max()
}
