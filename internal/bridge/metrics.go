package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exposes the bridge's state to Prometheus. It reads the
// coordinator's getters on scrape, so there is no sampling loop.
type MetricsCollector struct {
	coordinator *Coordinator

	ready *prometheus.GaugeVec

	apiStatus       *prometheus.GaugeVec
	awsStatus       *prometheus.GaugeVec
	calculatedState *prometheus.GaugeVec
	vacuumState     *prometheus.GaugeVec
	busy            *prometheus.GaugeVec
	turnOnCount     *prometheus.GaugeVec
	inFlight        *prometheus.GaugeVec
	shadowVersion   *prometheus.GaugeVec
}

func NewMetricsCollector(coordinator *Coordinator) *MetricsCollector {
	labels := []string{"instance_id", "robot_name", "model"}
	apiLabels := []string{"instance_id", "robot_name", "model", "status"}
	stateLabels := []string{"instance_id", "robot_name", "model", "state"}
	return &MetricsCollector{
		coordinator: coordinator,
		ready: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dolphin_bridge_ready",
			Help: "Whether both the cloud API and the broker report connected (1=yes, 0=no)",
		}, labels),
		apiStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dolphin_bridge_api_status",
			Help: "Cloud API connection status (label)",
		}, apiLabels),
		awsStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dolphin_bridge_aws_status",
			Help: "Broker session status (label)",
		}, apiLabels),
		calculatedState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dolphin_bridge_calculated_state",
			Help: "Fused robot state (label)",
		}, stateLabels),
		vacuumState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dolphin_bridge_vacuum_state",
			Help: "Vacuum-style state (label)",
		}, stateLabels),
		busy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dolphin_bridge_busy",
			Help: "Whether the unit reports itself busy (1=yes, 0=no)",
		}, labels),
		turnOnCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dolphin_bridge_turn_on_count",
			Help: "Lifetime power-on counter reported by the unit",
		}, labels),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dolphin_bridge_in_flight_publishes",
			Help: "Publishes awaiting broker completion",
		}, labels),
		shadowVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dolphin_bridge_shadow_updates",
			Help: "Shadow document version last merged",
		}, labels),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	c.ready.Describe(ch)
	c.apiStatus.Describe(ch)
	c.awsStatus.Describe(ch)
	c.calculatedState.Describe(ch)
	c.vacuumState.Describe(ch)
	c.busy.Describe(ch)
	c.turnOnCount.Describe(ch)
	c.inFlight.Describe(ch)
	c.shadowVersion.Describe(ch)
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	c.ready.Reset()
	c.apiStatus.Reset()
	c.awsStatus.Reset()
	c.calculatedState.Reset()
	c.vacuumState.Reset()
	c.busy.Reset()
	c.turnOnCount.Reset()
	c.inFlight.Reset()
	c.shadowVersion.Reset()

	details, _ := c.coordinator.Details()
	labels := prometheus.Labels{
		"instance_id": c.coordinator.cfg.InstanceID,
		"robot_name":  details.RobotName,
		"model":       details.PartName,
	}

	if c.coordinator.Ready() {
		c.ready.With(labels).Set(1)
	} else {
		c.ready.With(labels).Set(0)
	}

	c.apiStatus.With(withLabel(labels, "status", string(c.coordinator.APIStatus()))).Set(1)
	c.awsStatus.With(withLabel(labels, "status", string(c.coordinator.AWSStatus()))).Set(1)

	derived := c.coordinator.Derived()
	if derived.CalculatedState != "" {
		c.calculatedState.With(withLabel(labels, "state", derived.CalculatedState)).Set(1)
	}
	if derived.VacuumState != "" {
		c.vacuumState.With(withLabel(labels, "state", derived.VacuumState)).Set(1)
	}
	if derived.IsBusy {
		c.busy.With(labels).Set(1)
	} else {
		c.busy.With(labels).Set(0)
	}
	c.turnOnCount.With(labels).Set(float64(derived.TurnOnCount))
	c.inFlight.With(labels).Set(float64(len(c.coordinator.Ledger())))
	c.shadowVersion.With(labels).Set(float64(c.coordinator.ShadowVersion()))

	c.ready.Collect(ch)
	c.apiStatus.Collect(ch)
	c.awsStatus.Collect(ch)
	c.calculatedState.Collect(ch)
	c.vacuumState.Collect(ch)
	c.busy.Collect(ch)
	c.turnOnCount.Collect(ch)
	c.inFlight.Collect(ch)
	c.shadowVersion.Collect(ch)
}

func withLabel(base prometheus.Labels, key, value string) prometheus.Labels {
	out := make(prometheus.Labels, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[key] = value
	return out
}
