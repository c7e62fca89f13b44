// Command memhook is a small CLI wrapper around the memhook library,
// demonstrating attach/evaluate/read/hook/revert end to end.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/xyproto/memhook"
)

const versionString = "memhook 0.1.0"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "memhook:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return cmdHelp()
	}

	subcmd := args[0]
	rest := args[1:]

	switch subcmd {
	case "eval":
		return cmdEval(rest)
	case "read":
		return cmdRead(rest)
	case "hook":
		return cmdHook(rest)
	case "-V", "-version", "--version":
		fmt.Println(versionString)
		return nil
	case "-h", "-help", "--help", "help":
		return cmdHelp()
	default:
		return fmt.Errorf("unknown subcommand %q; try `memhook help`", subcmd)
	}
}

func cmdHelp() error {
	fmt.Println(versionString)
	fmt.Println(`
usage:
  memhook eval  -pid <pid> <pointer-path>
  memhook read  -pid <pid> -type <type> <pointer-path>
  memhook hook  -pid <pid> -code <hexbytes> <pointer-path>

types for read: i8 i16 i32 i64 u8 u16 u32 u64 f32 f64 bool string`)
	return nil
}

func cmdEval(args []string) error {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	pid := fs.Int("pid", 0, "target process id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: memhook eval -pid <pid> <pointer-path>")
	}

	a, err := memhook.AttachByPID(*pid)
	if err != nil {
		return err
	}
	defer a.Detach()

	addr, err := a.Evaluate(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("%#x\n", addr)
	return nil
}

func cmdRead(args []string) error {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	pid := fs.Int("pid", 0, "target process id")
	typ := fs.String("type", "u32", "scalar type (i8,i16,i32,i64,u8,u16,u32,u64,f32,f64,bool,string)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: memhook read -pid <pid> -type <type> <pointer-path>")
	}

	a, err := memhook.AttachByPID(*pid)
	if err != nil {
		return err
	}
	defer a.Detach()

	addr, err := a.Evaluate(fs.Arg(0))
	if err != nil {
		return err
	}

	switch strings.ToLower(*typ) {
	case "i8":
		v, err := a.ReadI8(addr)
		return printOrErr(v, err)
	case "i16":
		v, err := a.ReadI16(addr)
		return printOrErr(v, err)
	case "i32":
		v, err := a.ReadI32(addr)
		return printOrErr(v, err)
	case "i64":
		v, err := a.ReadI64(addr)
		return printOrErr(v, err)
	case "u8":
		v, err := a.ReadU8(addr)
		return printOrErr(v, err)
	case "u16":
		v, err := a.ReadU16(addr)
		return printOrErr(v, err)
	case "u32":
		v, err := a.ReadU32(addr)
		return printOrErr(v, err)
	case "u64":
		v, err := a.ReadU64(addr)
		return printOrErr(v, err)
	case "f32":
		v, err := a.ReadF32(addr)
		return printOrErr(v, err)
	case "f64":
		v, err := a.ReadF64(addr)
		return printOrErr(v, err)
	case "bool":
		v, err := a.ReadBool(addr)
		return printOrErr(v, err)
	case "string":
		v, err := a.ReadString(addr, memhook.DefaultStringSettings())
		return printOrErr(v, err)
	default:
		return fmt.Errorf("unknown type %q", *typ)
	}
}

func printOrErr(v any, err error) error {
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}

func cmdHook(args []string) error {
	fs := flag.NewFlagSet("hook", flag.ExitOnError)
	pid := fs.Int("pid", 0, "target process id")
	codeHex := fs.String("code", "", "hex-encoded machine code to inject, e.g. 9090c3")
	mode := fs.String("mode", "replace", "execution mode: replace or inject")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 || *codeHex == "" {
		return fmt.Errorf("usage: memhook hook -pid <pid> -code <hexbytes> [-mode replace|inject] <pointer-path>")
	}

	code, err := decodeHex(*codeHex)
	if err != nil {
		return fmt.Errorf("invalid -code: %w", err)
	}

	a, err := memhook.AttachByPID(*pid)
	if err != nil {
		return err
	}
	defer a.Detach()

	opts := memhook.DefaultHookOptions()
	switch strings.ToLower(*mode) {
	case "replace":
		opts.ExecutionMode = memhook.ReplaceOriginal
	case "inject":
		opts.ExecutionMode = memhook.InjectedFirst
	default:
		return fmt.Errorf("unknown -mode %q", *mode)
	}

	hook, err := a.Hook(fs.Arg(0), memhook.RawCode(code), opts)
	if err != nil {
		return err
	}
	fmt.Printf("hooked at %#x (site length %d bytes, trampoline at %#x)\n", hook.Site, hook.SiteLength, hook.Trampoline.Base)
	fmt.Println("press enter to revert...")
	fmt.Scanln()
	return hook.Revert()
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		b, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(b)
	}
	return out, nil
}
