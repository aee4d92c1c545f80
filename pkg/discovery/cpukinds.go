package discovery

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/stefanaki/topology-plugin/pkg/cpuset"
	"github.com/stefanaki/topology-plugin/pkg/platform"
	"github.com/stefanaki/topology-plugin/pkg/topology"
)

// Efficiency ranks of the two processor kinds.
const (
	EfficiencyEnergy      = 0
	EfficiencyPerformance = 1
)

const maxCompatibleLen = 128

// CPUKindStage groups processors into performance and efficiency kinds
// from the cluster type of each processor entry in the device tree.
type CPUKindStage struct{}

func (*CPUKindStage) Name() string  { return "cpukinds" }
func (*CPUKindStage) Phase() Phase { return PhaseAnnotate }

// kindBucket collects the processors of one cluster type. The first
// non-empty compatible string wins.
type kindBucket struct {
	tag        byte
	efficiency int
	cpus       *cpuset.Bitmap
	compatible string
}

type cpuRecord struct {
	cpu        int
	tag        byte
	compatible string
}

func (*CPUKindStage) Run(d *Discovery) error {
	logger := d.Logger.WithName("cpukinds")
	if d.Tree == nil {
		return fmt.Errorf("no tree to annotate: %w", ErrWrongPhase)
	}

	it, err := d.Snapshot.Children(platform.CPUsDevicePath)
	if err != nil {
		if errors.Is(err, platform.ErrUnavailable) {
			logger.V(4).Info("No processor entries, not registering CPU kinds")
			return nil
		}
		return err
	}
	defer it.Close()

	buckets := []*kindBucket{
		{tag: 'P', efficiency: EfficiencyPerformance, cpus: cpuset.New()},
		{tag: 'E', efficiency: EfficiencyEnergy, cpus: cpuset.New()},
	}
	machine := d.Tree.Root().CPUSet

	for {
		entry, ok := it.Next()
		if !ok {
			break
		}
		rec, err := readCPURecord(entry, logger)
		if err != nil {
			logger.Error(err, "Skipping processor entry")
			continue
		}
		if !machine.Contains(rec.cpu) {
			logger.Error(platform.ErrMalformed, "Skipping processor entry outside of the machine", "cpu", rec.cpu)
			continue
		}

		var bucket *kindBucket
		for _, b := range buckets {
			if b.tag == rec.tag {
				bucket = b
			}
		}
		if bucket == nil {
			logger.Info("Unknown cluster type", "cpu", rec.cpu, "type", string(rec.tag))
			continue
		}
		switch owner := findOwner(buckets, rec.cpu); owner {
		case nil:
			if err := bucket.cpus.Set(rec.cpu); err != nil {
				return err
			}
		case bucket:
		default:
			logger.Error(topology.ErrStructuralConflict, "Processor already has another kind, keeping the first one",
				"cpu", rec.cpu, "kept", string(owner.tag), "ignored", string(rec.tag))
			continue
		}

		switch {
		case rec.compatible == "":
		case bucket.compatible == "":
			bucket.compatible = rec.compatible
		case bucket.compatible != rec.compatible:
			logger.Info("Processors of the same kind have different compatible strings, keeping the first one",
				"type", string(bucket.tag), "kept", bucket.compatible, "ignored", rec.compatible)
		}
	}

	for _, b := range buckets {
		if b.cpus.IsZero() {
			continue
		}
		var infos []topology.Info
		if b.compatible != "" {
			infos = append(infos, topology.Info{Name: "DarwinCompatible", Value: b.compatible})
		}
		logger.V(4).Info("Registering CPU kind", "type", string(b.tag), "cpus", b.cpus, "compatible", b.compatible)
		if err := d.Tree.RegisterCPUKind(b.cpus, b.efficiency, infos); err != nil {
			logger.Error(err, "Cannot register CPU kind", "type", string(b.tag))
			continue
		}
		d.Tree.Support.CPUKindEfficiency = true
	}
	return nil
}

func findOwner(buckets []*kindBucket, cpu int) *kindBucket {
	for _, b := range buckets {
		if b.cpus.Contains(cpu) {
			return b
		}
	}
	return nil
}

// readCPURecord reads one processor entry and releases it on every path.
func readCPURecord(entry platform.Entry, logger logr.Logger) (rec cpuRecord, err error) {
	defer entry.Release()
	name := entry.Name()

	v, err := entry.Property("logical-cpu-id")
	if err != nil {
		return rec, fmt.Errorf("%s: %w", name, err)
	}
	id, ok := v.(platform.Integer)
	if !ok {
		return rec, fmt.Errorf("%s: %w", name, platform.Unexpected("logical-cpu-id", v))
	}
	if id < 0 {
		return rec, fmt.Errorf("%s: logical-cpu-id %d: %w", name, id, platform.ErrMalformed)
	}
	rec.cpu = int(id)

	if v, err := entry.Property("logical-cluster-id"); err == nil {
		logger.V(4).Info("Processor cluster", "cpu", rec.cpu, "cluster", v)
	}

	v, err = entry.Property("cluster-type")
	if err != nil {
		return rec, fmt.Errorf("%s: %w", name, err)
	}
	tag, ok := v.(platform.Data)
	if !ok {
		return rec, fmt.Errorf("%s: %w", name, platform.Unexpected("cluster-type", v))
	}
	// a single character, optionally NUL terminated
	if len(tag) == 2 && tag[1] == 0 {
		tag = tag[:1]
	}
	if len(tag) != 1 {
		return rec, fmt.Errorf("%s: cluster-type %q: %w", name, []byte(tag), platform.ErrMalformed)
	}
	rec.tag = tag[0]

	v, err = entry.Property("compatible")
	switch {
	case errors.Is(err, platform.ErrUnavailable):
		return rec, nil
	case err != nil:
		return rec, fmt.Errorf("%s: %w", name, err)
	}
	data, ok := v.(platform.Data)
	if !ok {
		return rec, fmt.Errorf("%s: %w", name, platform.Unexpected("compatible", v))
	}
	rec.compatible = joinCompatible(data)
	return rec, nil
}

// joinCompatible turns NUL separated strings into one ';' separated
// string, reading at most maxCompatibleLen bytes.
func joinCompatible(data []byte) string {
	if len(data) > maxCompatibleLen {
		data = data[:maxCompatibleLen]
	}
	data = bytes.TrimRight(data, "\x00")
	return string(bytes.ReplaceAll(data, []byte{0}, []byte{';'}))
}
