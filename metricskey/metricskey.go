package metricskey

import "github.com/effective-security/metrics"

// Perf
var (
	// PerfTokenOperation is perf metric
	PerfTokenOperation = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_token",
		Help:         "perf_token provides the sample metrics of token operations",
		RequiredTags: []string{"action"},
	}

	// PerfKeyGeneration is perf metric
	PerfKeyGeneration = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_keygen",
		Help:         "perf_keygen provides the sample metrics of key generation",
		RequiredTags: []string{"mechanism"},
	}

	// PerfHardwareOperation is perf metric
	PerfHardwareOperation = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_hw",
		Help:         "perf_hw provides the sample metrics of hardware backend calls",
		RequiredTags: []string{"action"},
	}
)

// Metrics returns slice of metrics from this repo
var Metrics = []*metrics.Describe{
	&PerfTokenOperation,
	&PerfKeyGeneration,
	&PerfHardwareOperation,
}
