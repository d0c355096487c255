// Package exitdispatch classifies and handles every VM-exit EPTGUARD
// is prepared to see: the CPUID/INVD/XSETBV/VMX-instruction leaks a
// guest that doesn't know it's hooked should never notice, the EPT
// violations and misconfigurations that are the entire point of the
// hook mechanism, and exceptions/NMIs that must be reflected back
// into the guest rather than absorbed.
//
// Grounded directly on the teacher's kvm_amd64.go Run(): an
// ioctl-then-switch-on-exit-reason loop, each case either resolved
// locally or delegated (there, to handleIO/handleMMIO; here, to the
// violation package). The switch below follows the same shape one
// level removed from ioctls — VMRESUME/VMLAUNCH in place of
// KVM_RUN, VMCS exit-reason reads in place of the kvmRun mmap'd
// struct.
package exitdispatch

import (
	"fmt"

	"github.com/eptguard/eptguard/internal/cpuprim"
	"github.com/eptguard/eptguard/internal/ept"
	"github.com/eptguard/eptguard/internal/hook"
	"github.com/eptguard/eptguard/internal/hverr"
	"github.com/eptguard/eptguard/internal/vmcs"
	"github.com/eptguard/eptguard/internal/violation"
)

// Action tells the caller (hvcore's per-CPU run loop) what to do
// after Dispatch returns.
type Action int

const (
	// ActionResume means the exit was fully handled in place; the
	// caller should VMRESUME immediately.
	ActionResume Action = iota
	// ActionShutdown means a teardown request (OnSleep, Disable) is
	// pending; the caller should leave the run loop and let vmxstate
	// tear this CPU down.
	ActionShutdown
	// ActionFatal means an unhandled or fatal condition occurred
	// (a GuestMisconfig, or an EPT violation nothing recognized); the
	// caller must not resume the guest.
	ActionFatal
)

// Vendor-specific CPUID leaves and cookies a hooked process's guest
// view must answer consistently with a hidden hypervisor being
// present in a way that still looks, from CPL=0, like ordinary
// hypervisor-vendor discovery rather than an EPTGUARD-specific tell.
const (
	cpuidLeafFeatures     = 1
	cpuidLeafVendorString = 0x4000_0001
	cpuidVendorSignature  = 0x45505447 // "EPTG"

	cpuidCookieEAX             = 0x41414141
	cpuidCookieSyscallHookECX  = 0x42424242
	cpuidCookieGracefulExitECX = 0x42424243
)

// VMCSAccessor is the subset of *vmcs.VMCS Dispatch needs. Declared as
// an interface so tests can exercise the decision logic against a
// fake VMCS instead of real hardware; *vmcs.VMCS satisfies it
// unmodified.
type VMCSAccessor interface {
	Read(field vmcs.Field) (uint64, error)
	Write(field vmcs.Field, value uint64) error
	ExitReason() (reason uint32, entryFailure bool, err error)
}

// Context is everything Dispatch needs to resolve one VM-exit: the
// loaded VMCS, the faulting process's EPT tree, the global hook
// registry, and the process tag scoping registry lookups.
type Context struct {
	VMCS       VMCSAccessor
	Tree       *ept.Tree
	Registry   *hook.Registry
	ProcessTag uint64

	// Regs is the guest general-purpose register file the host entry
	// stub captured before this exit. CPUID reads and writes it,
	// XSETBV reads it, and EmulateSyscall (syscallemu.go) writes RCX
	// and R11 in it.
	Regs *GuestRegisters

	// EnableSyscallHook is invoked when the guest requests
	// syscall-hook mode for the current CPU via the reserved CPUID
	// cookie (EAX=0x41414141, ECX=0x42424242). nil means the request
	// is silently ignored.
	EnableSyscallHook func()

	// ShutdownRequested is polled once per exit so a pending
	// OnSleep/Disable request is honored promptly without needing a
	// separate signal-delivery mechanism.
	ShutdownRequested func() bool

	// ResolveSyscallRedirect is consulted only for an invalid-opcode
	// exception whose guest bytes (per ReadGuestBytes) are SYSCALL or
	// SYSRET; it reports whether this CPU's syscall-hook mode is
	// active and, if so, the redirect RIP to hand to EmulateSyscall in
	// syscallemu.go. nil means syscall-hook mode was never requested
	// for this CPU, so the exception reflects into the guest normally.
	ResolveSyscallRedirect func(ctx *Context) (redirectRIP uint64, ok bool)

	// InvalidateEPT is called after an EPT leaf's permissions change,
	// defaulting to a real local INVEPT (cpuprim.InvEPT) when nil.
	// Tests supply a no-op so decision-table coverage doesn't require
	// a CPU that is actually in VMX root operation.
	InvalidateEPT func(eptp uint64) error

	// ReadGuestBytes reads n bytes of guest code starting at a guest
	// linear address, walking the guest's own page tables (not EPT).
	// Only consulted on an invalid-opcode exception when
	// ResolveSyscallRedirect is also set, to tell a genuine #UD from a SYSCALL/SYSRET this
	// CPU's MSR bitmap chose not to intercept directly.
	ReadGuestBytes func(guestVA uint64, n int) ([]byte, error)

	// pendingWatchpoint is the watchpoint currently mid single-step: an
	// EPT violation against it lifted its leaf to fully permissive and
	// armed MTF so the faulting instruction can retire; the next
	// Monitor Trap Flag exit narrows the leaf back to X-only and clears
	// this. nil whenever no watchpoint is stepping on this CPU.
	pendingWatchpoint *hook.Watchpoint
}

// Dispatch classifies the current VMCS's exit reason and handles it,
// returning the Action the caller's run loop should take next.
func Dispatch(ctx *Context) (Action, error) {
	if ctx.ShutdownRequested != nil && ctx.ShutdownRequested() {
		return ActionShutdown, nil
	}

	reason, entryFailure, err := ctx.VMCS.ExitReason()
	if err != nil {
		return ActionFatal, fmt.Errorf("exitdispatch: read exit reason: %w", err)
	}
	if entryFailure {
		errField, _ := ctx.VMCS.Read(vmcs.FieldVMInstructionError)
		return ActionFatal, &hverr.LaunchFailed{InstructionError: uint32(errField)}
	}

	switch reason {
	case vmcs.ExitReasonCPUID:
		return handleCPUID(ctx)
	case vmcs.ExitReasonINVD:
		return handleINVD(ctx)
	case vmcs.ExitReasonXSETBV:
		return handleXSETBV(ctx)
	case vmcs.ExitReasonVMCLEAR, vmcs.ExitReasonVMLAUNCH, vmcs.ExitReasonVMPTRLD,
		vmcs.ExitReasonVMPTRST, vmcs.ExitReasonVMREAD, vmcs.ExitReasonVMRESUME,
		vmcs.ExitReasonVMWRITE, vmcs.ExitReasonVMXOFF, vmcs.ExitReasonVMXON,
		vmcs.ExitReasonVMCALL, vmcs.ExitReasonINVEPT, vmcs.ExitReasonINVVPID:
		return handleVMXInstruction(ctx)
	case vmcs.ExitReasonEPTViolation:
		return handleEPTViolation(ctx)
	case vmcs.ExitReasonEPTMisconfig:
		return handleEPTMisconfig(ctx)
	case vmcs.ExitReasonMonitorTrapFlag:
		return handleMonitorTrapFlag(ctx)
	case vmcs.ExitReasonExceptionOrNMI:
		return handleExceptionOrNMI(ctx)
	default:
		return ActionFatal, fmt.Errorf("exitdispatch: unrecognized exit reason %d", reason)
	}
}

// handleCPUID executes CPUID on the guest's behalf rather than
// passing it straight through: leaf 1's hypervisor-present bit and
// leaf 0x40000001's vendor signature are the only guest-visible
// artifacts of EPTGUARD's presence, and the two reserved cookies are
// the hooked process's only legitimate way to ask the hypervisor for
// anything at all.
func handleCPUID(ctx *Context) (Action, error) {
	if ctx.Regs == nil {
		return advanceRIP(ctx)
	}
	leaf := uint32(ctx.Regs.RAX)
	subleaf := uint32(ctx.Regs.RCX)

	switch {
	case leaf == cpuidCookieEAX && subleaf == cpuidCookieSyscallHookECX:
		if ctx.EnableSyscallHook != nil {
			ctx.EnableSyscallHook()
		}
		ctx.Regs.RAX, ctx.Regs.RBX, ctx.Regs.RCX, ctx.Regs.RDX = 0, 0, 0, 0
		return advanceRIP(ctx)
	case leaf == cpuidCookieEAX && subleaf == cpuidCookieGracefulExitECX:
		return ActionShutdown, nil
	}

	eax, ebx, ecx, edx := cpuprim.CPUID(leaf, subleaf)
	switch leaf {
	case cpuidLeafFeatures:
		ecx |= 1 << 31
	case cpuidLeafVendorString:
		eax, ebx, ecx, edx = cpuidVendorSignature, 0, 0, 0
	}
	ctx.Regs.RAX, ctx.Regs.RBX, ctx.Regs.RCX, ctx.Regs.RDX = uint64(eax), uint64(ebx), uint64(ecx), uint64(edx)
	return advanceRIP(ctx)
}

// handleINVD converts the guest's INVD (invalidate caches, discard
// dirty lines) into a host WBINVD (write-back then invalidate): the
// spec's design note that hidden EPT splits must never lose a
// legitimately dirty cache line means EPTGUARD can't honor INVD's
// literal semantics without risking the split hook's own shadow pages
// going stale.
func handleINVD(ctx *Context) (Action, error) {
	cpuprim.WBINVD()
	return advanceRIP(ctx)
}

// handleXSETBV lets the guest's XSETBV through unmodified (EPTGUARD
// never restricts which XCR0 features a process may enable): it
// executes XSETBV with the guest's ECX and EDX:EAX, then advances
// past it.
func handleXSETBV(ctx *Context) (Action, error) {
	if ctx.Regs != nil {
		cpuprim.XSETBV(uint32(ctx.Regs.RCX), ctx.Regs.RDX<<32|ctx.Regs.RAX&0xFFFFFFFF)
	}
	return advanceRIP(ctx)
}

// handleVMXInstruction is reached only if the hooked process itself
// executes a VMX instruction: EPTGUARD does not emulate it, it just
// sets the VM-instruction-error condition (CF=1) in guest RFLAGS the
// same way the real instruction would report "VMfailInvalid" when
// executed outside VMX operation, and advances past it.
func handleVMXInstruction(ctx *Context) (Action, error) {
	rflags, err := ctx.VMCS.Read(vmcs.FieldGuestRFLAGS)
	if err != nil {
		return ActionFatal, err
	}
	const flagCF = 1 << 0
	if err := ctx.VMCS.Write(vmcs.FieldGuestRFLAGS, rflags|flagCF); err != nil {
		return ActionFatal, err
	}
	return advanceRIP(ctx)
}

// handleEPTViolation is the hook mechanism's core: look up the
// faulting guest-physical page and let the violation package's
// decision table decide.
func handleEPTViolation(ctx *Context) (Action, error) {
	qual, err := ctx.VMCS.Read(vmcs.FieldExitQualification)
	if err != nil {
		return ActionFatal, err
	}
	gpaRaw, err := ctx.VMCS.Read(vmcs.FieldGuestPhysicalAddress)
	if err != nil {
		return ActionFatal, err
	}
	rip, err := ctx.VMCS.Read(vmcs.FieldGuestRIP)
	if err != nil {
		return ActionFatal, err
	}

	const (
		qualRead    = 1 << 0
		qualWrite   = 1 << 1
		qualExecute = 1 << 2
	)
	access := violation.Access{
		GuestPA:  cpuprim.PhysAddr(gpaRaw),
		Read:     qual&qualRead != 0,
		Write:    qual&qualWrite != 0,
		Execute:  qual&qualExecute != 0,
		GuestRIP: rip,
	}

	dec, err := violation.Handle(ctx.Tree, ctx.Registry, ctx.ProcessTag, access)
	if err != nil {
		return ActionFatal, fmt.Errorf("exitdispatch: EPT violation: %w", err)
	}
	if dec.Outcome == violation.OutcomeUnhandled {
		return ActionFatal, fmt.Errorf("%w: unhandled EPT violation at %s", hverr.ErrInvalidRequest, access.GuestPA)
	}
	if dec.Watchpoint != nil {
		if err := armWatchpointSingleStep(ctx, dec.Watchpoint); err != nil {
			return ActionFatal, fmt.Errorf("exitdispatch: arm watchpoint single-step: %w", err)
		}
	}
	if err := invalidateTLB(ctx); err != nil {
		return ActionFatal, err
	}
	return ActionResume, nil
}

// armWatchpointSingleStep lifts w's leaf to fully permissive so the
// access that just faulted can retire, and sets the Monitor Trap Flag
// so the guest takes exactly one more VM-exit right after that
// instruction completes — handleMonitorTrapFlag narrows the leaf back
// to X-only there, re-arming the watchpoint for the next access.
func armWatchpointSingleStep(ctx *Context, w *hook.Watchpoint) error {
	if err := ctx.Tree.SetLeafPermissions(w.GuestPA, true, true, true); err != nil {
		return err
	}
	if err := setMonitorTrapFlag(ctx, true); err != nil {
		return err
	}
	ctx.pendingWatchpoint = w
	return nil
}

// handleMonitorTrapFlag clears MTF and, if a watchpoint was mid
// single-step, narrows its leaf back to X-only now that the trapped
// access has retired.
func handleMonitorTrapFlag(ctx *Context) (Action, error) {
	if err := setMonitorTrapFlag(ctx, false); err != nil {
		return ActionFatal, err
	}
	if w := ctx.pendingWatchpoint; w != nil {
		ctx.pendingWatchpoint = nil
		if err := ctx.Tree.SetLeafPermissions(w.GuestPA, false, false, true); err != nil {
			return ActionFatal, err
		}
		if err := invalidateTLB(ctx); err != nil {
			return ActionFatal, err
		}
	}
	return ActionResume, nil
}

func setMonitorTrapFlag(ctx *Context, enable bool) error {
	ctrl, err := ctx.VMCS.Read(vmcs.FieldCPUBasedVMExecControl)
	if err != nil {
		return err
	}
	if enable {
		ctrl |= uint64(vmcs.CPUBasedMonitorTrapFlag)
	} else {
		ctrl &^= uint64(vmcs.CPUBasedMonitorTrapFlag)
	}
	return ctx.VMCS.Write(vmcs.FieldCPUBasedVMExecControl, ctrl)
}

// handleEPTMisconfig is always fatal: an EPT leaf with an invalid
// memory-type/permission combination means EPTGUARD's own paging
// structures are corrupt, not something a resume can paper over.
func handleEPTMisconfig(ctx *Context) (Action, error) {
	gpaRaw, _ := ctx.VMCS.Read(vmcs.FieldGuestPhysicalAddress)
	return ActionFatal, &hverr.GuestMisconfig{GuestPhysicalAddress: gpaRaw}
}

const (
	intrVectorMask  = 0xFF
	intrTypeMask    = 7 << 8
	intrTypeNMI     = 2 << 8
	vectorInvalidOp = 6
)

// handleExceptionOrNMI either ignores an NMI (the host already
// handled it just by taking the VM-exit), emulates a SYSCALL/SYSRET
// hidden behind an invalid-opcode exception when syscall-hook mode is
// active for this CPU, or reflects every other exception back into
// the guest unmodified via VM-entry's event-injection fields.
func handleExceptionOrNMI(ctx *Context) (Action, error) {
	info, err := ctx.VMCS.Read(vmcs.FieldVMExitIntrInfo)
	if err != nil {
		return ActionFatal, err
	}
	vector := info & intrVectorMask
	if info&intrTypeMask == intrTypeNMI {
		return ActionResume, nil
	}

	if vector == vectorInvalidOp && ctx.ResolveSyscallRedirect != nil && ctx.ReadGuestBytes != nil {
		if handled, action, err := tryEmulateSyscall(ctx); handled {
			return action, err
		}
	}

	errCode, err := ctx.VMCS.Read(vmcs.FieldVMExitIntrErrorCode)
	if err != nil {
		return ActionFatal, err
	}
	if err := ctx.VMCS.Write(vmcs.FieldVMEntryIntrInfo, info); err != nil {
		return ActionFatal, err
	}
	if err := ctx.VMCS.Write(vmcs.FieldVMEntryExceptionErrorCode, errCode); err != nil {
		return ActionFatal, err
	}
	return ActionResume, nil
}

// tryEmulateSyscall inspects the bytes at guest RIP for the SYSCALL
// (0F 05) or SYSRET (48 0F 07) encodings; handled is false when the
// exception is a genuine #UD the caller must still reflect.
func tryEmulateSyscall(ctx *Context) (handled bool, action Action, err error) {
	rip, err := ctx.VMCS.Read(vmcs.FieldGuestRIP)
	if err != nil {
		return false, ActionFatal, err
	}
	code, err := ctx.ReadGuestBytes(rip, 3)
	if err != nil {
		// A faulting instruction-byte read is never a host error: it
		// falls through with handled=false, and the caller reflects the
		// original invalid-opcode exception into the guest. No #PF is
		// synthesized for the failed read.
		return false, ActionResume, nil
	}
	isSyscall := len(code) >= 2 && code[0] == 0x0F && code[1] == 0x05
	isSysret := len(code) >= 3 && code[0] == 0x48 && code[1] == 0x0F && code[2] == 0x07
	if !isSyscall && !isSysret {
		return false, ActionResume, nil
	}

	redirectRIP, ok := ctx.ResolveSyscallRedirect(ctx)
	if !ok {
		return false, ActionResume, nil
	}
	if err := EmulateSyscall(ctx, redirectRIP); err != nil {
		return true, ActionFatal, err
	}
	return true, ActionResume, nil
}

// advanceRIP moves the guest RIP past the instruction that caused
// this VM-exit, using the VM-exit instruction-length field every
// trap-like exit reason reports.
func advanceRIP(ctx *Context) (Action, error) {
	rip, err := ctx.VMCS.Read(vmcs.FieldGuestRIP)
	if err != nil {
		return ActionFatal, err
	}
	length, err := ctx.VMCS.Read(vmcs.FieldVMExitInstructionLen)
	if err != nil {
		return ActionFatal, err
	}
	if err := ctx.VMCS.Write(vmcs.FieldGuestRIP, rip+length); err != nil {
		return ActionFatal, err
	}
	return ActionResume, nil
}

// invalidateTLB issues a local INVEPT for this process's EPTP after
// an EPT leaf's permissions changed — SDM-required because the
// processor is permitted to cache EPT translations across the
// permission swap unless explicitly told otherwise.
func invalidateTLB(ctx *Context) error {
	if ctx.InvalidateEPT != nil {
		return ctx.InvalidateEPT(ctx.Tree.EPTP())
	}
	return cpuprim.InvEPT(cpuprim.InvEPTSingleContext, ctx.Tree.EPTP())
}
