// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command perfdump prints the raw contents of a perf.data profile.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"reflect"

	"github.com/adamse/perf-data-converter/perffile"
)

func main() {
	flagInput := flag.String("i", "perf.data", "input perf.data `file`")
	flag.Parse()
	if flag.NArg() > 0 {
		flag.Usage()
		os.Exit(1)
	}

	f, err := perffile.Open(*flagInput)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	if f.Piped() {
		fmt.Println("piped-mode file; metadata fills in as records stream by")
	}

	rs := f.Records()
	for rs.Next() {
		fmt.Printf("%v{\n", rs.Record.Type())
		switch r := rs.Record.(type) {
		case *perffile.RecordSample:
			v := reflect.ValueOf(r).Elem()
			for _, n := range r.Fields() {
				fv := v.FieldByName(n)
				fmt.Printf("\t%s,\n", fmtVal(n, fv))
			}
		default:
			printFields(reflect.ValueOf(r))
		}
		fmt.Printf("}\n")
	}
	if err := rs.Err(); err != nil {
		log.Fatal(err)
	}

	fmt.Println()
	printMeta(f.Meta())
}

func printMeta(m *perffile.FileMeta) {
	if len(m.BuildIDs) > 0 {
		fmt.Printf("build IDs:\n")
		for _, bid := range m.BuildIDs {
			fmt.Printf("  %+v\n", bid)
		}
	}

	for _, hdr := range []struct {
		label string
		val   interface{}
	}{
		{"hostname", m.Hostname},
		{"OS release", m.OSRelease},
		{"version", m.Version},
		{"arch", m.Arch},
		{"CPUs online", m.CPUsOnline},
		{"CPUs available", m.CPUsAvail},
		{"CPU desc", m.CPUDesc},
		{"CPUID", m.CPUID},
		{"total memory", m.TotalMem},
		{"cmdline", m.CmdLine},
		{"core groups", m.CoreGroups},
		{"thread groups", m.ThreadGroups},
		{"NUMA nodes", m.NUMANodes},
		{"PMU mappings", m.PMUMappings},
		{"groups", m.Groups},
	} {
		v := reflect.ValueOf(hdr.val)
		if v.IsZero() {
			continue
		}
		fmt.Printf("%s: %v\n", hdr.label, hdr.val)
	}
}

func printFields(v reflect.Value) {
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		info := t.Field(i)
		f := v.Field(i)
		if info.Anonymous {
			printFields(f)
		} else if (f.Kind() == reflect.Ptr || f.Kind() == reflect.Slice) && f.IsNil() {
			// Skip
		} else {
			fmt.Printf("\t%s,\n", fmtVal(info.Name, f))
		}
	}
}

func fmtVal(name string, v reflect.Value) string {
	if v.Kind() == reflect.Ptr {
		return fmt.Sprintf("%-14s %p", name+":", v.Interface())
	}
	switch name {
	case "IP", "Addr", "Callchain":
		return fmt.Sprintf("%-14s %#x", name+":", v.Interface())
	}
	return fmt.Sprintf("%-14s %+v", name+":", v.Interface())
}
