package types

// A CPU is a Mach-O cpu_type_t.
type CPU uint32

const (
	cpuArch64 = 0x01000000 // 64 bit ABI
)

const (
	CPU386   CPU = 7
	CPUAmd64 CPU = CPU386 | cpuArch64
	CPUArm   CPU = 12
	CPUArm64 CPU = CPUArm | cpuArch64
)

var cpuStrings = []IntName{
	{uint32(CPU386), "i386"},
	{uint32(CPUAmd64), "x86_64"},
	{uint32(CPUArm), "arm"},
	{uint32(CPUArm64), "arm64"},
}

func (i CPU) String() string { return StringName(uint32(i), cpuStrings, false) }

// A CPUSubtype is a Mach-O cpu_subtype_t.
type CPUSubtype uint32

const (
	CPUSubtypeX8664All CPUSubtype = 3
	CPUSubtypeX86_64H  CPUSubtype = 8
)

const (
	CPUSubtypeArmAll  CPUSubtype = 0
	CPUSubtypeArmV6   CPUSubtype = 6
	CPUSubtypeArmV7   CPUSubtype = 9
	CPUSubtypeArmV7F  CPUSubtype = 10
	CPUSubtypeArmV7S  CPUSubtype = 11
	CPUSubtypeArmV7K  CPUSubtype = 12
	CPUSubtypeArmV6M  CPUSubtype = 14
	CPUSubtypeArmV7M  CPUSubtype = 15
	CPUSubtypeArmV7Em CPUSubtype = 16
)

const (
	CPUSubtypeArm64All CPUSubtype = 0
	CPUSubtypeArm64V8  CPUSubtype = 1
	CPUSubtypeArm64E   CPUSubtype = 2
)

// CpuSubtypeMask strips the feature-capability bits (e.g. ptrauth ABI) that
// ride in the top byte of an arm64 cpu_subtype so the base subtype can be
// compared and looked up in the arch table.
const CpuSubtypeMask CPUSubtype = 0x00ffffff

func (st CPUSubtype) String(cpu CPU) string {
	switch cpu {
	case CPUAmd64:
		return stringNameSub(uint32(st&CpuSubtypeMask), cpuSubtypeX86Strings)
	case CPU386:
		return "x86"
	case CPUArm:
		return stringNameSub(uint32(st&CpuSubtypeMask), cpuSubtypeArmStrings)
	case CPUArm64:
		return stringNameSub(uint32(st&CpuSubtypeMask), cpuSubtypeArm64Strings)
	}
	return "unknown"
}

var cpuSubtypeX86Strings = []IntName{
	{uint32(CPUSubtypeX8664All), "x86_64"},
	{uint32(CPUSubtypeX86_64H), "x86_64h"},
}

var cpuSubtypeArmStrings = []IntName{
	{uint32(CPUSubtypeArmAll), "armall"},
	{uint32(CPUSubtypeArmV6), "armv6"},
	{uint32(CPUSubtypeArmV7), "armv7"},
	{uint32(CPUSubtypeArmV7F), "armv7f"},
	{uint32(CPUSubtypeArmV7S), "armv7s"},
	{uint32(CPUSubtypeArmV7K), "armv7k"},
	{uint32(CPUSubtypeArmV6M), "armv6m"},
	{uint32(CPUSubtypeArmV7M), "armv7m"},
	{uint32(CPUSubtypeArmV7Em), "armv7em"},
}

var cpuSubtypeArm64Strings = []IntName{
	{uint32(CPUSubtypeArm64All), "arm64"},
	{uint32(CPUSubtypeArm64V8), "arm64"},
	{uint32(CPUSubtypeArm64E), "arm64e"},
}

func stringNameSub(i uint32, names []IntName) string {
	for _, n := range names {
		if n.I == i {
			return n.S
		}
	}
	return "unknown"
}
