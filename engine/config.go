package engine

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the engine's tunables. Zero values are replaced by the
// documented defaults in Normalize.
type Config struct {
	// ServerURL is where the CLI finds a running engine.
	// Default http://localhost:8080.
	ServerURL string
	// ServiceName identifies this engine instance in its own telemetry.
	// Default "raceway".
	ServiceName string
	// InstanceID distinguishes this engine process in clock components
	// and status output. Default "<hostname>-<pid>".
	InstanceID string
	// TraceCapacity bounds the number of resident traces. Overflow
	// evicts the least-recently-touched trace whole. Default 10000.
	TraceCapacity int
	// Quiescence is how long a trace must be idle before it is marked
	// quiescent; completion follows after another half window.
	// Default 60s.
	Quiescence time.Duration
	// AnomalyKSigma is the deviation threshold in standard deviations.
	// Default 3.
	AnomalyKSigma float64
	// BaselineMinSamples gates anomaly classification per signature.
	// Default 20.
	BaselineMinSamples int64
	// WarmupTargetSignatures is how many signatures must reach
	// BaselineMinSamples before the engine leaves warm-up. Default 5.
	WarmupTargetSignatures int

	// SnapshotQueueSize bounds the completed-trace queue drained by the
	// sink goroutine. Default 64.
	SnapshotQueueSize int

	// Snapshot sink settings; all optional.
	SnapshotPath string
	KafkaBrokers []string
	KafkaTopic   string
	S3Bucket     string
	S3Prefix     string
	S3Region     string
	S3Endpoint   string
	S3AccessKey  string
	S3SecretKey  string
}

// defaultInstanceID builds the process identity the SDKs also default
// to: "<hostname>-<pid>".
func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "instance"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Defaults returns the documented default configuration.
func Defaults() Config {
	return Config{
		ServerURL:              "http://localhost:8080",
		ServiceName:            "raceway",
		TraceCapacity:          10000,
		Quiescence:             60 * time.Second,
		AnomalyKSigma:          3,
		BaselineMinSamples:     20,
		WarmupTargetSignatures: 5,
		SnapshotQueueSize:      64,
		KafkaTopic:             "raceway-snapshots",
		S3Region:               "us-east-1",
	}
}

// Normalize fills zero fields from the defaults.
func (c Config) Normalize() Config {
	d := Defaults()
	if c.ServerURL == "" {
		c.ServerURL = d.ServerURL
	}
	if c.ServiceName == "" {
		c.ServiceName = d.ServiceName
	}
	if c.InstanceID == "" {
		c.InstanceID = defaultInstanceID()
	}
	if c.TraceCapacity <= 0 {
		c.TraceCapacity = d.TraceCapacity
	}
	if c.Quiescence <= 0 {
		c.Quiescence = d.Quiescence
	}
	if c.AnomalyKSigma <= 0 {
		c.AnomalyKSigma = d.AnomalyKSigma
	}
	if c.BaselineMinSamples <= 0 {
		c.BaselineMinSamples = d.BaselineMinSamples
	}
	if c.WarmupTargetSignatures <= 0 {
		c.WarmupTargetSignatures = d.WarmupTargetSignatures
	}
	if c.SnapshotQueueSize <= 0 {
		c.SnapshotQueueSize = d.SnapshotQueueSize
	}
	if c.KafkaTopic == "" {
		c.KafkaTopic = d.KafkaTopic
	}
	if c.S3Region == "" {
		c.S3Region = d.S3Region
	}
	return c
}

// FromEnv reads configuration from RACEWAY_* environment variables on
// top of the defaults. Malformed values are errors, not silent defaults.
func FromEnv() (Config, error) {
	c := Defaults()

	if v := os.Getenv("RACEWAY_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("RACEWAY_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("RACEWAY_INSTANCE_ID"); v != "" {
		c.InstanceID = v
	}
	if v := os.Getenv("RACEWAY_TRACE_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return c, fmt.Errorf("RACEWAY_TRACE_CAPACITY: invalid value %q", v)
		}
		c.TraceCapacity = n
	}
	if v := os.Getenv("RACEWAY_QUIESCENCE_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return c, fmt.Errorf("RACEWAY_QUIESCENCE_SECONDS: invalid value %q", v)
		}
		c.Quiescence = time.Duration(n) * time.Second
	}
	if v := os.Getenv("RACEWAY_ANOMALY_K_SIGMA"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return c, fmt.Errorf("RACEWAY_ANOMALY_K_SIGMA: invalid value %q", v)
		}
		c.AnomalyKSigma = f
	}
	if v := os.Getenv("RACEWAY_BASELINE_MIN_SAMPLES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return c, fmt.Errorf("RACEWAY_BASELINE_MIN_SAMPLES: invalid value %q", v)
		}
		c.BaselineMinSamples = n
	}
	if v := os.Getenv("RACEWAY_WARMUP_TARGET_SIGNATURES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return c, fmt.Errorf("RACEWAY_WARMUP_TARGET_SIGNATURES: invalid value %q", v)
		}
		c.WarmupTargetSignatures = n
	}

	c.SnapshotPath = os.Getenv("RACEWAY_SNAPSHOT_PATH")
	if v := os.Getenv("RACEWAY_KAFKA_BROKERS"); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.KafkaBrokers = append(c.KafkaBrokers, b)
			}
		}
	}
	if v := os.Getenv("RACEWAY_KAFKA_TOPIC"); v != "" {
		c.KafkaTopic = v
	}
	c.S3Bucket = os.Getenv("RACEWAY_S3_BUCKET")
	if v := os.Getenv("RACEWAY_S3_PREFIX"); v != "" {
		c.S3Prefix = v
	}
	if v := os.Getenv("RACEWAY_S3_REGION"); v != "" {
		c.S3Region = v
	}
	c.S3Endpoint = os.Getenv("RACEWAY_S3_ENDPOINT")
	c.S3AccessKey = os.Getenv("RACEWAY_S3_ACCESS_KEY")
	c.S3SecretKey = os.Getenv("RACEWAY_S3_SECRET_KEY")

	return c, nil
}
