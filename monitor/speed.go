package monitor

import (
	"time"

	"github.com/emirpasic/gods/queues/circularbuffer"
)

const DefaultWindowSize = 50

// SpeedMonitor reports throughput over a sliding window of training batches.
// Inputs are cumulative: samples seen, training wall time and tokens seen.
type SpeedMonitor struct {
	logger         Logger
	flopsAvailable float64
	window         int

	samples   *circularbuffer.Queue
	wallTimes *circularbuffer.Queue
	lengths   *circularbuffer.Queue
	flops     *circularbuffer.Queue

	totalEval time.Duration
	step      int
}

// NewSpeedMonitor creates a monitor that logs to logger when it is not nil.
// flopsAvailable is the peak FLOPs per second of one device; zero disables MFU.
func NewSpeedMonitor(logger Logger, window int, flopsAvailable float64) *SpeedMonitor {
	if window < 2 {
		window = DefaultWindowSize
	}

	return &SpeedMonitor{
		logger:         logger,
		flopsAvailable: flopsAvailable,
		window:         window,
		samples:        circularbuffer.New(window),
		wallTimes:      circularbuffer.New(window),
		lengths:        circularbuffer.New(window),
		flops:          circularbuffer.New(window),
	}
}

func push(q *circularbuffer.Queue, v float64) {
	if q.Full() {
		q.Dequeue()
	}
	q.Enqueue(v)
}

func first(q *circularbuffer.Queue) float64 {
	v, _ := q.Peek()
	return v.(float64)
}

func last(q *circularbuffer.Queue) float64 {
	vs := q.Values()
	return vs[len(vs)-1].(float64)
}

func sum(q *circularbuffer.Queue) float64 {
	var s float64
	for _, v := range q.Values() {
		s += v.(float64)
	}
	return s
}

// OnTrainBatchEnd records one batch and returns the metrics it logged.
// Throughput metrics appear once the window is full.
func (s *SpeedMonitor) OnTrainBatchEnd(samples int, trainElapsed time.Duration, worldSize int, flopsPerBatch float64, lengths int) (map[string]float64, error) {
	push(s.samples, float64(samples))
	push(s.wallTimes, trainElapsed.Seconds())
	if lengths > 0 {
		push(s.lengths, float64(lengths))
	}

	world := float64(worldSize)
	metrics := make(map[string]float64)
	if s.samples.Full() {
		elapsedBatches := float64(s.samples.Size() - 1)
		elapsedSamples := last(s.samples) - first(s.samples)
		elapsedWallTime := last(s.wallTimes) - first(s.wallTimes)
		if elapsedWallTime > 0 {
			metrics["throughput/batches_per_sec"] = elapsedBatches * world / elapsedWallTime
			metrics["throughput/samples_per_sec"] = elapsedSamples * world / elapsedWallTime
			metrics["throughput/device/batches_per_sec"] = elapsedBatches / elapsedWallTime
			metrics["throughput/device/samples_per_sec"] = elapsedSamples / elapsedWallTime

			if s.lengths.Full() {
				elapsedLengths := last(s.lengths) - first(s.lengths)
				metrics["throughput/tokens_per_sec"] = elapsedLengths * world / elapsedWallTime
				metrics["throughput/device/tokens_per_sec"] = elapsedLengths / elapsedWallTime
			}
		}
	}

	if flopsPerBatch > 0 {
		push(s.flops, flopsPerBatch*world)
		if s.flops.Full() {
			elapsedFlops := sum(s.flops) - first(s.flops)
			elapsedWallTime := last(s.wallTimes) - first(s.wallTimes)
			if elapsedWallTime > 0 {
				flopsPerSec := elapsedFlops / elapsedWallTime
				deviceFlopsPerSec := flopsPerSec / world
				metrics["throughput/flops_per_sec"] = flopsPerSec
				metrics["throughput/device/flops_per_sec"] = deviceFlopsPerSec
				if s.flopsAvailable > 0 {
					metrics["throughput/device/mfu"] = deviceFlopsPerSec / s.flopsAvailable
				}
			}
		}
	}

	metrics["time/train"] = trainElapsed.Seconds()
	metrics["time/val"] = s.totalEval.Seconds()
	metrics["time/total"] = (trainElapsed + s.totalEval).Seconds()
	metrics["samples"] = float64(samples)

	step := s.step
	s.step++
	if s.logger != nil {
		if err := s.logger.LogMetrics(metrics, step); err != nil {
			return metrics, err
		}
	}

	return metrics, nil
}

// EvalEnd adds d to the total evaluation wall time.
func (s *SpeedMonitor) EvalEnd(d time.Duration) {
	s.totalEval += d
}
