package exitdispatch

import (
	"github.com/eptguard/eptguard/internal/cpuprim"
	"github.com/eptguard/eptguard/internal/vmcs"
)

// SYSCALL/SYSRET normally execute entirely in hardware and never
// VM-exit. EPTGUARD only needs to emulate them when a hook's
// execute-view trampoline lands inside a region where the real
// STAR/LSTAR targets have been altered to redirect into
// attacker-controlled code (the "detour" case the hook package's
// Hook.ProcessTag/ExecPA fields exist for) — the hardware instruction
// itself is fine, but the dispatcher needs a way to re-run it with
// software-computed targets when the redirected STAR/LSTAR can't be
// programmed into the real MSRs without making the redirection
// visible to the process reading its own MSRs back.
//
// This file is reached only when
// exitdispatch.Context.ResolveSyscallRedirect is set, a hvcore-level decision; by default SYSCALL/SYSRET never
// VM-exit at all (EPTGUARD's MSR bitmap leaves STAR/LSTAR/CSTAR/FMASK
// unintercepted) and this path is unused.

// EmulateSyscall performs a software SYSCALL: capture RIP/RFLAGS into
// RCX/R11 per the SDM's documented SYSCALL semantics, then set RIP to
// the redirect target and CS/SS to the kernel selectors from
// IA32_STAR, exactly what the hardware instruction would have done.
func EmulateSyscall(ctx *Context, redirectRIP uint64) error {
	rip, err := ctx.VMCS.Read(vmcs.FieldGuestRIP)
	if err != nil {
		return err
	}
	rflags, err := ctx.VMCS.Read(vmcs.FieldGuestRFLAGS)
	if err != nil {
		return err
	}

	star := cpuprim.ReadMSR(cpuprim.MsrIA32Star)
	kernelCS := uint16((star >> 32) & 0xFFFF)

	if err := ctx.VMCS.Write(vmcs.FieldGuestRIP, redirectRIP); err != nil {
		return err
	}
	if err := ctx.VMCS.Write(vmcs.FieldGuestCSSelector, uint64(kernelCS)); err != nil {
		return err
	}
	if err := ctx.VMCS.Write(vmcs.FieldGuestSSSelector, uint64(kernelCS+8)); err != nil {
		return err
	}

	fmask := cpuprim.ReadMSR(cpuprim.MsrIA32Fmask)
	if err := ctx.VMCS.Write(vmcs.FieldGuestRFLAGS, rflags&^fmask); err != nil {
		return err
	}

	// RCX = return RIP, R11 = saved RFLAGS, exactly as a hardware
	// SYSCALL leaves them for code (glibc's vsyscall trampolines among
	// it) that relies on being able to SYSRET back.
	if ctx.Regs != nil {
		ctx.Regs.RCX = rip + 2 // past the 2-byte 0F 05 encoding
		ctx.Regs.R11 = rflags
	}
	return nil
}
