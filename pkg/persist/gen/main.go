// File: pkg/persist/gen/main.go
//
// Generates the amd64 cache flush, fence and CPUID routines used by package persist.
package main

import (
	. "github.com/mmcloughlin/avo/build"
	"github.com/mmcloughlin/avo/ir"
	. "github.com/mmcloughlin/avo/operand"
	"github.com/mmcloughlin/avo/reg"
)

func main() {
	Package("github.com/sanonone/pmemcore/pkg/persist")
	ConstraintExpr("amd64")

	TEXT("cpuidex", NOSPLIT, "func(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)")
	Doc("cpuidex executes CPUID with the given leaf and subleaf.")
	generateCPUID()

	for _, insn := range []struct{ name, doc string }{
		{"CLWB", "flushCLWB writes back every cache line of [addr, addr+n) with CLWB."},
		{"CLFLUSHOPT", "flushCLFLUSHOPT writes back and evicts every cache line of [addr, addr+n) with CLFLUSHOPT."},
		{"CLFLUSH", "flushCLFLUSH writes back and evicts every cache line of [addr, addr+n) with CLFLUSH."},
	} {
		TEXT("flush"+insn.name, NOSPLIT, "func(addr, n, line uintptr)")
		Doc(insn.doc)
		generateFlushLoop(insn.name)
	}

	TEXT("sfence", NOSPLIT, "func()")
	Doc("sfence orders all earlier stores and cache write-backs.")
	SFENCE()
	RET()

	Generate()
}

func generateCPUID() {
	Load(Param("leaf"), reg.EAX)
	Load(Param("subleaf"), reg.ECX)
	CPUID()
	Store(reg.EAX, Return("eax"))
	Store(reg.EBX, Return("ebx"))
	Store(reg.ECX, Return("ecx"))
	Store(reg.EDX, Return("edx"))
	RET()
}

// generateFlushLoop emits a loop issuing opcode once per cache line, starting
// from addr rounded down to the line size.
func generateFlushLoop(opcode string) {
	addr := Load(Param("addr"), GP64())
	end := Load(Param("n"), GP64())
	line := Load(Param("line"), GP64())

	ADDQ(addr, end)
	mask := GP64()
	MOVQ(line, mask)
	NEGQ(mask)
	ANDQ(mask, addr)

	Label("loop_" + opcode)
	CMPQ(addr, end)
	JAE(LabelRef("done_" + opcode))

	// Cache control instructions are emitted directly so the generator does
	// not depend on which of them the instruction database knows about.
	Instruction(&ir.Instruction{
		Opcode:   opcode,
		Operands: []Op{Mem{Base: addr}},
		Inputs:   []Op{addr},
	})

	ADDQ(line, addr)
	JMP(LabelRef("loop_" + opcode))

	Label("done_" + opcode)
	RET()
}
