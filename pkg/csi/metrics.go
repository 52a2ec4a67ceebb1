package csi

import (
	"github.com/blockpool-io/csi-controller/pkg/base"
	"github.com/blockpool-io/csi-controller/pkg/metrics"
	"google.golang.org/grpc/codes"
)

func metricsTimer() *metrics.Timer {
	return metrics.NewTimer()
}

func observeCSICall(timer *metrics.Timer, method string, err error) {
	timer.ObserveDurationVec(metrics.CSIRequestDuration, method)
	code := codes.OK
	if err != nil {
		code = base.CodeOf(err)
	}
	metrics.CSIRequestsTotal.WithLabelValues(method, code.String()).Inc()
}
