package csi

import (
	"strconv"
	"strings"

	"github.com/blockpool-io/csi-controller/pkg/base"
	"github.com/blockpool-io/csi-controller/pkg/log"
)

var storageClassLog = log.ForComponent("csi.storageclass")

// Recognized storage-class parameters (§6). Unknown keys are logged and
// otherwise ignored, never rejected.
const (
	paramProtocol  = "protocol"
	paramReplCount = "repl"
	paramLocal     = "local"
	paramIOTimeout = "ioTimeout"
)

const defaultReplicaCount = 1

// parsedParams is the result of parsing a CreateVolumeRequest's
// StorageClass parameters.
type parsedParams struct {
	Protocol     base.NexusShareProtocol
	ReplicaCount int
	Local        bool
	IOTimeout    int
}

// parseStorageClassParams validates and parses params per §6. protocol is
// required; repl defaults to 1; local is a truthy flag; ioTimeout is only
// meaningful with protocol=nvmf.
func parseStorageClassParams(params map[string]string) (parsedParams, error) {
	out := parsedParams{ReplicaCount: defaultReplicaCount}

	proto, ok := params[paramProtocol]
	if !ok || proto == "" {
		return out, base.InvalidArgument("storage-class parameter %q is required", paramProtocol)
	}
	canonical := base.NexusShareProtocol(strings.ToUpper(proto))
	switch canonical {
	case base.NexusShareNBD, base.NexusShareISCSI, base.NexusShareNVMF:
		out.Protocol = canonical
	default:
		return out, base.InvalidArgument("unrecognized %q value %q", paramProtocol, proto)
	}

	if v, ok := params[paramReplCount]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return out, base.InvalidArgument("storage-class parameter %q must be a positive integer", paramReplCount)
		}
		out.ReplicaCount = n
	}

	if v, ok := params[paramLocal]; ok {
		out.Local = base.ParseLocalFlag(v)
	}

	if v, ok := params[paramIOTimeout]; ok {
		if out.Protocol != base.NexusShareNVMF {
			return out, base.InvalidArgument("storage-class parameter %q is only valid with protocol=%s", paramIOTimeout, base.NexusShareNVMF)
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return out, base.InvalidArgument("storage-class parameter %q must be an integer", paramIOTimeout)
		}
		out.IOTimeout = n
	}

	known := knownParamKeys()
	for k := range params {
		if !known[k] {
			storageClassLog.WithField("key", k).Warn("ignoring unrecognized storage-class parameter")
		}
	}

	return out, nil
}

func knownParamKeys() map[string]bool {
	return map[string]bool{
		paramProtocol:  true,
		paramReplCount: true,
		paramLocal:     true,
		paramIOTimeout: true,
	}
}
