// sysrepoctl is the operator inspection CLI for the shared-memory
// datastore core: it opens the two regions read-only-by-convention and
// prints module and connection state, or dumps the arena span
// enumeration of internal/registry's DebugPrint (spec §4.8).
//
// It follows the teacher's cmd/debug-capacity/main.go shape: a plain
// main(), no CLI framework, direct calls into the library packages.
// It supersedes that file, which inspected a ring buffer this repo no
// longer has.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sugawarayuuta/sonnet"

	"github.com/DineshReddyK/sysrepo/internal/config"
	"github.com/DineshReddyK/sysrepo/internal/registry"
)

func main() {
	var (
		repoPath   = flag.String("repo", "", "repo path (default from config)")
		configPath = flag.String("config", "/etc/sysrepo/sysrepoctl.toml", "path to TOML config file")
		envPath    = flag.String("env", "/etc/sysrepo/.env", "path to .env override file")
		format     = flag.String("format", "text", "output format: text or json")
	)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath, *envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sysrepoctl: load config: %v\n", err)
		os.Exit(1)
	}
	if *repoPath != "" {
		cfg.RepoPath = *repoPath
	}

	store, err := registry.Open(cfg.RepoPath, os.FileMode(cfg.FilePermissions))
	if err != nil {
		fmt.Fprintf(os.Stderr, "sysrepoctl: open %s: %v\n", cfg.RepoPath, err)
		os.Exit(1)
	}
	defer store.Close()

	jsonOut := *format == "json"

	switch cmd := flag.Arg(0); cmd {
	case "modules":
		err = runModules(store, jsonOut)
	case "conns":
		err = runConns(store, jsonOut)
	case "spans":
		err = runSpans(store, jsonOut)
	case "debug":
		store.DebugPrint(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "sysrepoctl: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "sysrepoctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: sysrepoctl [-repo path] [-config path] [-env path] [-format text|json] <command>

commands:
  modules   list registered YANG modules
  conns     list live connections
  spans     dump the extension arena's live span enumeration
  debug     print the span enumeration interleaved with wasted gaps`)
}

type moduleInfo struct {
	Name          string `json:"name"`
	Revision      string `json:"revision"`
	ReplaySupport bool   `json:"replay_support"`
	FeatureCount  uint32 `json:"feature_count"`
	DataDepCount  uint32 `json:"data_dep_count"`
	OpDepCount    uint32 `json:"op_dep_count"`
}

func runModules(s *registry.Store, jsonOut bool) error {
	ar := s.Arena()
	n := s.ModuleCount()
	infos := make([]moduleInfo, 0, n)
	for i := uint32(0); i < n; i++ {
		rec := s.ModuleAt(i)
		rev := rec.Revision[:]
		for i, b := range rev {
			if b == 0 {
				rev = rev[:i]
				break
			}
		}
		infos = append(infos, moduleInfo{
			Name:          ar.StringAt(rec.NameOffset),
			Revision:      string(rev),
			ReplaySupport: rec.Flags&registry.FlagReplaySupport != 0,
			FeatureCount:  rec.FeatureCount,
			DataDepCount:  rec.DataDepCount,
			OpDepCount:    rec.OpDepCount,
		})
	}

	if jsonOut {
		return printJSON(infos)
	}
	for _, m := range infos {
		fmt.Printf("%-30s rev=%-12s replay=%-5t features=%d data-deps=%d op-deps=%d\n",
			m.Name, m.Revision, m.ReplaySupport, m.FeatureCount, m.DataDepCount, m.OpDepCount)
	}
	return nil
}

type connInfo struct {
	Handle      uint64 `json:"handle"`
	PID         uint32 `json:"pid"`
	EvpipeCount uint32 `json:"evpipe_count"`
	HeldKind    string `json:"held_kind"`
}

func runConns(s *registry.Store, jsonOut bool) error {
	n := s.ConnCount()
	infos := make([]connInfo, 0, n)
	for i := uint32(0); i < n; i++ {
		c := s.ConnAt(i)
		infos = append(infos, connInfo{
			Handle:      c.ConnHandle,
			PID:         c.PID,
			EvpipeCount: c.EvpipesCount,
			HeldKind:    c.Held.Kind.String(),
		})
	}

	if jsonOut {
		return printJSON(infos)
	}
	for _, c := range infos {
		fmt.Printf("handle=%-10d pid=%-8d evpipes=%-4d held=%s\n", c.Handle, c.PID, c.EvpipeCount, c.HeldKind)
	}
	return nil
}

func runSpans(s *registry.Store, jsonOut bool) error {
	spans := s.Spans()
	if err := registry.CheckNoOverlap(spans); err != nil {
		fmt.Fprintf(os.Stderr, "sysrepoctl: %v\n", err)
	}

	if jsonOut {
		return printJSON(spans)
	}
	for _, sp := range spans {
		fmt.Printf("[%8d..%8d) %s\n", sp.Start, sp.Start+sp.Size, sp.Name)
	}
	return nil
}

func printJSON(v any) error {
	b, err := sonnet.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(b, '\n'))
	return err
}
