// Package arch normalizes and compares architecture tokens such as
// "arm64e", "x86_64" or "aarch64".
package arch

import (
	"debug/elf"
	"debug/macho"
	"fmt"
	"strings"
	"unicode"
)

// aliases maps normalized tokens onto the canonical token of their group.
var aliases = map[string]string{
	"aarch64": "arm64",
	"amd64":   "x8664",
	"x64":     "x8664",
	"x86":     "i386",
}

// Normalize strips non-alphanumeric characters and lowercases the token.
func Normalize(token string) string {
	var b strings.Builder
	b.Grow(len(token))
	for _, r := range token {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// Canonical returns the normalized token with aliases folded, so that
// "aarch64" and "arm64" share a canonical form while "arm64e" keeps its own.
func Canonical(token string) string {
	n := Normalize(token)
	if c, ok := aliases[n]; ok {
		return c
	}
	return n
}

// Matches reports whether two tokens name the same architecture.
// It is symmetric and never matches an empty token.
func Matches(a, b string) bool {
	ca, cb := Canonical(a), Canonical(b)
	return ca != "" && ca == cb
}

const (
	cpuSubtypeMask   = 0xff000000
	cpuTypeArm64     = 0x0100000c
	cpuSubtypeArm64E = 2

	cpuSubtypeArmV7  = 9
	cpuSubtypeArmV7F = 10
	cpuSubtypeArmV7S = 11
	cpuSubtypeArmV7K = 12
	cpuSubtypeArmV8  = 13

	cpuSubtypeX8664H = 8
)

// MachOName renders the token for a Mach-O cputype/cpusubtype pair.
func MachOName(cpu, subcpu uint32) string {
	sub := subcpu &^ cpuSubtypeMask
	switch cpu {
	case cpuTypeArm64:
		if sub == cpuSubtypeArm64E {
			return "arm64e"
		}
		return "arm64"
	case uint32(macho.CpuArm):
		switch sub {
		case cpuSubtypeArmV7:
			return "armv7"
		case cpuSubtypeArmV7F:
			return "armv7f"
		case cpuSubtypeArmV7S:
			return "armv7s"
		case cpuSubtypeArmV7K:
			return "armv7k"
		case cpuSubtypeArmV8:
			return "armv8"
		}
		return "arm"
	case uint32(macho.CpuAmd64):
		if sub == cpuSubtypeX8664H {
			return "x86_64h"
		}
		return "x86_64"
	case uint32(macho.Cpu386):
		return "i386"
	case uint32(macho.CpuPpc):
		return "ppc"
	case uint32(macho.CpuPpc64):
		return "ppc64"
	}
	return fmt.Sprintf("cputype%d_subtype%d", cpu, sub)
}

// ELFName renders the token for an ELF e_machine value.
func ELFName(m elf.Machine) string {
	switch m {
	case elf.EM_AARCH64:
		return "arm64"
	case elf.EM_X86_64:
		return "x86_64"
	case elf.EM_386:
		return "i386"
	case elf.EM_ARM:
		return "arm"
	case elf.EM_PPC64:
		return "ppc64"
	case elf.EM_RISCV:
		return "riscv"
	}
	return strings.ToLower(strings.TrimPrefix(m.String(), "EM_"))
}
