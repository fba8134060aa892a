package main

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/orbismem/files"
	"github.com/vkngwrapper/orbismem/vmm"
)

type operation func(r *Runner, args *arguments) (uint64, string, error)

func prot(args *arguments) vmm.Protection {
	return vmm.Protection(args.uint64("prot"))
}

func flags(args *arguments) vmm.MapFlags {
	return vmm.MapFlags(args.uint64("flags"))
}

func queryFlags(args *arguments) vmm.QueryFlags {
	return vmm.QueryFlags(args.uint64("flags"))
}

func none(err error) (uint64, string, error) {
	return 0, "", err
}

func address(addr uint64, err error) (uint64, string, error) {
	return addr, "", err
}

var operations = map[string]operation{
	"ReserveRange": func(r *Runner, args *arguments) (uint64, string, error) {
		return address(r.manager.ReserveRange(args.uint64("addr"), args.uint64("size"), flags(args), args.uint64("alignment")))
	},
	"MapFlexible": func(r *Runner, args *arguments) (uint64, string, error) {
		return address(r.manager.MapNamedFlexible(args.uint64("addr"), args.uint64("size"), prot(args), flags(args), args.text("name")))
	},
	"MapSystemFlexible": func(r *Runner, args *arguments) (uint64, string, error) {
		return address(r.manager.MapNamedSystemFlexible(args.uint64("addr"), args.uint64("size"), prot(args), flags(args), args.text("name")))
	},
	"MapDirect": func(r *Runner, args *arguments) (uint64, string, error) {
		return address(r.manager.MapNamedDirect(args.uint64("addr"), args.uint64("size"), prot(args), flags(args), args.uint64("phys"), args.uint64("alignment"), args.text("name")))
	},
	"MapDirect2": func(r *Runner, args *arguments) (uint64, string, error) {
		memType := int32(-1)
		if args.has("type") {
			memType = args.int32("type")
		}
		return address(r.manager.MapDirect2(args.uint64("addr"), args.uint64("size"), memType, prot(args), flags(args), args.uint64("phys"), args.uint64("alignment")))
	},
	"GenericMmap": func(r *Runner, args *arguments) (uint64, string, error) {
		fd := int32(-1)
		if args.has("fd") {
			fd = args.int32("fd")
		}
		return address(r.manager.GenericMmap(args.uint64("addr"), args.uint64("size"), prot(args), flags(args), fd, args.int64("offset")))
	},
	"Unmap": func(r *Runner, args *arguments) (uint64, string, error) {
		return none(r.manager.Unmap(args.uint64("addr"), args.uint64("size")))
	},
	"Protect": func(r *Runner, args *arguments) (uint64, string, error) {
		return none(r.manager.Protect(args.uint64("addr"), args.uint64("size"), prot(args)))
	},
	"Retype": func(r *Runner, args *arguments) (uint64, string, error) {
		return none(r.manager.Retype(args.uint64("addr"), args.uint64("size"), args.int32("type"), prot(args)))
	},
	"VirtualQuery": func(r *Runner, args *arguments) (uint64, string, error) {
		info, err := r.manager.VirtualQuery(args.uint64("addr"), queryFlags(args))
		if err != nil {
			return none(err)
		}
		detail := fmt.Sprintf("[%#x, %#x) offset=%#x prot=%#x type=%d flexible=%t direct=%t stack=%t pooled=%t committed=%t name=%q",
			info.Start, info.End, info.Offset, uint32(info.Protection), info.MemoryType,
			info.IsFlexible, info.IsDirect, info.IsStack, info.IsPooled, info.IsCommitted, info.Name)
		return info.Start, detail, nil
	},
	"QueryMemoryProtection": func(r *Runner, args *arguments) (uint64, string, error) {
		start, end, protection, err := r.manager.QueryMemoryProtection(args.uint64("addr"))
		if err != nil {
			return none(err)
		}
		return start, fmt.Sprintf("[%#x, %#x) prot=%#x", start, end, uint32(protection)), nil
	},
	"AllocateDirectMemory": func(r *Runner, args *arguments) (uint64, string, error) {
		return address(r.manager.AllocateDirectMemory(args.int64("start"), args.int64("end"), args.uint64("size"), args.uint64("alignment"), args.int32("type")))
	},
	"AllocateMainDirectMemory": func(r *Runner, args *arguments) (uint64, string, error) {
		return address(r.manager.AllocateMainDirectMemory(args.uint64("size"), args.uint64("alignment"), args.int32("type")))
	},
	"ReleaseDirectMemory": func(r *Runner, args *arguments) (uint64, string, error) {
		return none(r.manager.ReleaseDirectMemory(args.uint64("phys"), args.uint64("size")))
	},
	"CheckedReleaseDirectMemory": func(r *Runner, args *arguments) (uint64, string, error) {
		return none(r.manager.CheckedReleaseDirectMemory(args.uint64("phys"), args.uint64("size")))
	},
	"AvailableDirectMemorySize": func(r *Runner, args *arguments) (uint64, string, error) {
		phys, size, err := r.manager.AvailableDirectMemorySize(args.uint64("start"), args.uint64("end"), args.uint64("alignment"))
		if err != nil {
			return none(err)
		}
		return size, fmt.Sprintf("phys=%#x size=%#x", phys, size), nil
	},
	"GetDirectMemoryType": func(r *Runner, args *arguments) (uint64, string, error) {
		memType, start, end, err := r.manager.GetDirectMemoryType(args.uint64("phys"))
		if err != nil {
			return none(err)
		}
		return uint64(memType), fmt.Sprintf("[%#x, %#x) type=%d", start, end, memType), nil
	},
	"DirectMemoryQuery": func(r *Runner, args *arguments) (uint64, string, error) {
		info, err := r.manager.DirectMemoryQuery(args.uint64("phys"), queryFlags(args))
		if err != nil {
			return none(err)
		}
		return info.Start, fmt.Sprintf("[%#x, %#x) type=%d pooled=%t", info.Start, info.End, info.MemoryType, info.Pooled), nil
	},
	"EnableDmemAliasing": func(r *Runner, args *arguments) (uint64, string, error) {
		r.manager.EnableDmemAliasing()
		return none(nil)
	},
	"SetVirtualRangeName": func(r *Runner, args *arguments) (uint64, string, error) {
		return none(r.manager.SetVirtualRangeName(args.uint64("addr"), args.uint64("size"), args.text("name")))
	},
	"Mlock": func(r *Runner, args *arguments) (uint64, string, error) {
		return none(r.manager.Mlock(args.uint64("addr"), args.uint64("size")))
	},
	"Munlock": func(r *Runner, args *arguments) (uint64, string, error) {
		return none(r.manager.Munlock(args.uint64("addr"), args.uint64("size")))
	},
	"MemoryPoolExpand": func(r *Runner, args *arguments) (uint64, string, error) {
		return address(r.manager.MemoryPoolExpand(args.int64("start"), args.int64("end"), args.uint64("size"), args.uint64("alignment")))
	},
	"MemoryPoolReserve": func(r *Runner, args *arguments) (uint64, string, error) {
		return address(r.manager.MemoryPoolReserve(args.uint64("addr"), args.uint64("size"), args.uint64("alignment"), flags(args)))
	},
	"MemoryPoolCommit": func(r *Runner, args *arguments) (uint64, string, error) {
		return none(r.manager.MemoryPoolCommit(args.uint64("addr"), args.uint64("size"), args.int32("type"), prot(args), flags(args)))
	},
	"MemoryPoolDecommit": func(r *Runner, args *arguments) (uint64, string, error) {
		return none(r.manager.MemoryPoolDecommit(args.uint64("addr"), args.uint64("size"), flags(args)))
	},
	"MemoryPoolGetBlockStats": func(r *Runner, args *arguments) (uint64, string, error) {
		stats := r.manager.MemoryPoolGetBlockStats()
		return uint64(stats.AvailableBlocks), fmt.Sprintf("available=%d allocated=%d", stats.AvailableBlocks, stats.AllocatedBlocks), nil
	},
	"Open": func(r *Runner, args *arguments) (uint64, string, error) {
		fd, err := r.descriptors.Open(args.text("path"), files.OpenFlags(args.uint64("flags")))
		if err != nil {
			return none(err)
		}
		return uint64(fd), "", nil
	},
	"Close": func(r *Runner, args *arguments) (uint64, string, error) {
		return none(r.descriptors.Close(args.int32("fd")))
	},
	"Write": func(r *Runner, args *arguments) (uint64, string, error) {
		return none(r.manager.Write(args.uint64("addr"), []byte(args.text("data"))))
	},
	"Read": func(r *Runner, args *arguments) (uint64, string, error) {
		buf := make([]byte, args.uint64("size"))
		err := r.manager.Read(args.uint64("addr"), buf)
		if err != nil {
			return none(err)
		}
		if args.has("want") && string(buf) != args.text("want") {
			return none(errors.Mark(errors.Newf("read %q, want %q", buf, args.text("want")), errScript))
		}
		return 0, fmt.Sprintf("%q", buf), nil
	},
}
