package plugin

const Vendor = "stefanaki.github.com"

// EnvCPUSet is the container environment variable Allocate fills with the
// processors of the allocated devices.
const EnvCPUSet = "CPUSET"

// EnvNUMANodes lists the NUMA nodes of the allocated devices.
const EnvNUMANodes = "CPUSET_NUMA_NODES"

func socketFileForPool(pool string) string {
	return pool + "-topology.sock"
}
