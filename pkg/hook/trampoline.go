// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hook

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
	"gvisor.dev/ephook/pkg/hostarch"
)

// TrampolineLen is the encoded length of a Trampoline.
const TrampolineLen = 14

// Trampoline is an absolute jump that clobbers no register:
//
//	push   $lo32
//	movl   $hi32, 4(%rsp)
//	ret
type Trampoline [TrampolineLen]byte

const (
	opPushImm32 = 0x68
	opRet       = 0xc3
)

// movRSP4 encodes "movl $imm32, 4(%rsp)" without its immediate.
var movRSP4 = [...]byte{0xc7, 0x44, 0x24, 0x04}

// NewTrampoline returns a trampoline jumping to target.
func NewTrampoline(target uint64) Trampoline {
	var t Trampoline
	t[0] = opPushImm32
	binary.LittleEndian.PutUint32(t[1:5], uint32(target))
	copy(t[5:9], movRSP4[:])
	binary.LittleEndian.PutUint32(t[9:13], uint32(target>>32))
	t[13] = opRet
	return t
}

// Bytes returns the encoded trampoline.
func (t *Trampoline) Bytes() []byte {
	return t[:]
}

// Target returns the address the trampoline jumps to.
func (t *Trampoline) Target() uint64 {
	return uint64(binary.LittleEndian.Uint32(t[9:13]))<<32 | uint64(binary.LittleEndian.Uint32(t[1:5]))
}

// BuildShadow initializes dst, a page, as a copy of original with a
// trampoline to target written at offset.
//
// The caller is responsible for offset being an instruction boundary with at
// least TrampolineLen bytes of whole instructions behind it; only the page
// bound is checked.
func BuildShadow(dst, original []byte, offset uint64, target uint64) error {
	if len(dst) != hostarch.PageSize || len(original) != hostarch.PageSize {
		return fmt.Errorf("shadow and original must be one page, got %d and %d bytes", len(dst), len(original))
	}
	if offset > hostarch.PageSize-TrampolineLen {
		return fmt.Errorf("offset %#x: %w", offset, ErrTrampolineBounds)
	}
	copy(dst, original)
	t := NewTrampoline(target)
	copy(dst[offset:], t.Bytes())
	return nil
}

// Instruction is a decoded instruction.
type Instruction struct {
	// PC is the address of the instruction.
	PC uint64

	x86asm.Inst
}

// String formats the instruction in GNU syntax.
func (i Instruction) String() string {
	return fmt.Sprintf("%#x: %s", i.PC, x86asm.GNUSyntax(i.Inst, i.PC, nil))
}

// Disassemble decodes code, loaded at pc, as 64-bit instructions.
func Disassemble(code []byte, pc uint64) ([]Instruction, error) {
	var insts []Instruction
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			return insts, fmt.Errorf("decoding at %#x: %w", pc, err)
		}
		insts = append(insts, Instruction{PC: pc, Inst: inst})
		code = code[inst.Len:]
		pc += uint64(inst.Len)
	}
	return insts, nil
}

// DecodeTrampoline checks that code begins with a trampoline and returns its
// target.
func DecodeTrampoline(code []byte) (uint64, error) {
	if len(code) < TrampolineLen {
		return 0, fmt.Errorf("%d bytes is too short for a trampoline", len(code))
	}
	insts, err := Disassemble(code[:TrampolineLen], 0)
	if err != nil {
		return 0, err
	}
	if len(insts) != 3 {
		return 0, fmt.Errorf("got %d instructions, want 3", len(insts))
	}

	push, mov, ret := insts[0], insts[1], insts[2]
	lo, ok := push.Args[0].(x86asm.Imm)
	if push.Op != x86asm.PUSH || !ok {
		return 0, fmt.Errorf("first instruction is %v, want push of an immediate", push)
	}
	dst, ok := mov.Args[0].(x86asm.Mem)
	hi, immOK := mov.Args[1].(x86asm.Imm)
	if mov.Op != x86asm.MOV || !ok || !immOK || dst.Base != x86asm.RSP || dst.Disp != 4 || mov.MemBytes != 4 {
		return 0, fmt.Errorf("second instruction is %v, want 32-bit store to 4(%%rsp)", mov)
	}
	if ret.Op != x86asm.RET {
		return 0, fmt.Errorf("third instruction is %v, want ret", ret)
	}
	return uint64(uint32(hi))<<32 | uint64(uint32(lo)), nil
}
