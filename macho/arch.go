package macho

import "github.com/appsworld/symdb/macho/types"

type archKey struct {
	cpu types.CPU
	sub types.CPUSubtype
}

// archFlags maps the architecture flag strings accepted by the CLI and the
// writer to their (cputype, cpusubtype) pair. It is the single source of
// truth for both directions: Object.Symbols resolves a flag to a pair here,
// and Variant.Arch renders a pair back to its flag.
var archFlags = map[string]archKey{
	"i386":    {types.CPU386, types.CPUSubtypeX8664All},
	"x86_64":  {types.CPUAmd64, types.CPUSubtypeX8664All},
	"x86_64h": {types.CPUAmd64, types.CPUSubtypeX86_64H},
	"armv6":   {types.CPUArm, types.CPUSubtypeArmV6},
	"armv7":   {types.CPUArm, types.CPUSubtypeArmV7},
	"armv7f":  {types.CPUArm, types.CPUSubtypeArmV7F},
	"armv7s":  {types.CPUArm, types.CPUSubtypeArmV7S},
	"armv7k":  {types.CPUArm, types.CPUSubtypeArmV7K},
	"armv6m":  {types.CPUArm, types.CPUSubtypeArmV6M},
	"armv7m":  {types.CPUArm, types.CPUSubtypeArmV7M},
	"armv7em": {types.CPUArm, types.CPUSubtypeArmV7Em},
	"arm64":   {types.CPUArm64, types.CPUSubtypeArm64All},
	"arm64e":  {types.CPUArm64, types.CPUSubtypeArm64E},
}

// resolveArchFlag looks up the (cputype, cpusubtype) pair for a known
// architecture flag string. ok is false when the flag isn't recognized at
// all, independent of whether any variant carries it.
func resolveArchFlag(flag string) (types.CPU, types.CPUSubtype, bool) {
	k, ok := archFlags[flag]
	return k.cpu, k.sub, ok
}

// normalizeArm64Subtype masks off the arm64 ptrauth-capability bits and
// folds ARM64_ALL (0) and ARM64_V8 (1) together, since both identify the
// baseline arm64 slice in practice; only the ptrauth variant gets its own
// flag. Used by both archName and Symbols so a variant's rendered arch flag
// always round-trips back to the same variant.
func normalizeArm64Subtype(sub types.CPUSubtype) types.CPUSubtype {
	masked := sub & types.CpuSubtypeMask
	if masked == types.CPUSubtypeArm64All || masked == types.CPUSubtypeArm64V8 {
		return types.CPUSubtypeArm64All
	}
	return masked
}

// archName renders a (cputype, cpusubtype) pair back through archFlags.
// Unmapped pairs render as "unknown".
func archName(cpu types.CPU, sub types.CPUSubtype) string {
	masked := sub
	if cpu == types.CPUArm64 {
		masked = normalizeArm64Subtype(sub)
		if masked == types.CPUSubtypeArm64All {
			return "arm64"
		}
	}
	for name, k := range archFlags {
		if k.cpu == cpu && k.sub == masked {
			return name
		}
	}
	return "unknown"
}
