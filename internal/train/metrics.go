package train

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics publishes training progress for external monitoring. The loop does
// not filter NaN losses, so numerical failures show up here too.
type Metrics struct {
	TrainLoss    prometheus.Gauge
	ValLoss      prometheus.Gauge
	LearningRate prometheus.Gauge
	Beta         prometheus.Gauge
	EpochsTotal  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TrainLoss: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "battery_policy", Name: "train_loss",
			Help: "Mean trajectory cost over the last training epoch.",
		}),
		ValLoss: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "battery_policy", Name: "val_loss",
			Help: "Mean trajectory cost over the last validation pass.",
		}),
		LearningRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "battery_policy", Name: "learning_rate",
			Help: "Current optimizer learning rate.",
		}),
		Beta: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "battery_policy", Name: "beta",
			Help: "Current soft-clamp temperature.",
		}),
		EpochsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "battery_policy", Name: "epochs_total",
			Help: "Finished training epochs.",
		}),
	}
}
