package ir

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Opcode identifies an instruction class. The numeric values are part of the
// feature contract: OpCodeCount_N fields are indexed by them.
type Opcode int

const (
	OpInvalid Opcode = iota
	OpRet
	OpBr
	OpSwitch
	OpIndirectBr
	OpInvoke
	OpResume
	OpUnreachable
	OpCleanupRet
	OpCatchRet
	OpCatchSwitch
	OpCallBr
	OpFNeg
	OpAdd
	OpFAdd
	OpSub
	OpFSub
	OpMul
	OpFMul
	OpUDiv
	OpSDiv
	OpFDiv
	OpURem
	OpSRem
	OpFRem
	OpShl
	OpLShr
	OpAShr
	OpAnd
	OpOr
	OpXor
	OpAlloca
	OpLoad
	OpStore
	OpGetElementPtr
	OpFence
	OpAtomicCmpXchg
	OpAtomicRMW
	OpTrunc
	OpZExt
	OpSExt
	OpFPToUI
	OpFPToSI
	OpUIToFP
	OpSIToFP
	OpFPTrunc
	OpFPExt
	OpPtrToInt
	OpIntToPtr
	OpBitCast
	OpAddrSpaceCast
	OpCleanupPad
	OpCatchPad
	OpICmp
	OpFCmp
	OpPHI
	OpCall
	OpSelect
	OpUserOp1
	OpUserOp2
	OpVAArg
	OpExtractElement
	OpInsertElement
	OpShuffleVector
	OpExtractValue
	OpInsertValue
	OpLandingPad
)

// NumOpcodes is the highest valid opcode value.
const NumOpcodes = int(OpLandingPad)

var opcodeNames = [...]string{
	"invalid",
	"ret", "br", "switch", "indirectbr", "invoke", "resume", "unreachable",
	"cleanupret", "catchret", "catchswitch", "callbr",
	"fneg",
	"add", "fadd", "sub", "fsub", "mul", "fmul", "udiv", "sdiv", "fdiv",
	"urem", "srem", "frem",
	"shl", "lshr", "ashr", "and", "or", "xor",
	"alloca", "load", "store", "getelementptr", "fence", "cmpxchg", "atomicrmw",
	"trunc", "zext", "sext", "fptoui", "fptosi", "uitofp", "sitofp",
	"fptrunc", "fpext", "ptrtoint", "inttoptr", "bitcast", "addrspacecast",
	"cleanuppad", "catchpad", "icmp", "fcmp", "phi", "call", "select",
	"userop1", "userop2", "va_arg", "extractelement", "insertelement",
	"shufflevector", "extractvalue", "insertvalue", "landingpad",
}

var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeNames))
	for i, name := range opcodeNames {
		if i == 0 {
			continue
		}
		m[name] = Opcode(i)
	}
	m["gep"] = OpGetElementPtr
	return m
}()

func (o Opcode) String() string {
	if o < 0 || int(o) >= len(opcodeNames) {
		return fmt.Sprintf("opcode(%d)", int(o))
	}
	return opcodeNames[o]
}

// Valid reports whether o names a real instruction class.
func (o Opcode) Valid() bool {
	return o > OpInvalid && int(o) <= NumOpcodes
}

// IsTerminator reports whether o ends a block.
func (o Opcode) IsTerminator() bool {
	return o >= OpRet && o <= OpCallBr
}

// IsBinary reports whether o is a two-operand arithmetic or logic op.
func (o Opcode) IsBinary() bool {
	return o >= OpAdd && o <= OpXor
}

// IsCast reports whether o converts between types.
func (o Opcode) IsCast() bool {
	return o >= OpTrunc && o <= OpAddrSpaceCast
}

// IsCall reports whether o transfers control to a callee.
func (o Opcode) IsCall() bool {
	return o == OpCall || o == OpInvoke || o == OpCallBr
}

// ParseOpcode resolves an opcode by mnemonic (case-insensitive) or number.
func ParseOpcode(s string) (Opcode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if op, ok := opcodesByName[s]; ok {
		return op, nil
	}
	if n, err := strconv.Atoi(s); err == nil && Opcode(n).Valid() {
		return Opcode(n), nil
	}
	return OpInvalid, fmt.Errorf("unknown opcode %q", s)
}

// UnmarshalYAML accepts either a mnemonic or an opcode number.
func (o *Opcode) UnmarshalYAML(node *yaml.Node) error {
	op, err := ParseOpcode(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*o = op
	return nil
}

// MarshalYAML writes the mnemonic.
func (o Opcode) MarshalYAML() (any, error) {
	return o.String(), nil
}
