// Package fsck implements the offline integrity checker: a read-only
// traversal of a mounted image's
// superblock, group descriptors, bitmap layout, and directory tree,
// reporting every invariant violation it finds rather than stopping at
// the first one. It never mutates the image.
//
// Per-group bitmap/counter validation is independent across groups, so
// it runs concurrently with golang.org/x/sync/errgroup, the same
// library the retrieval pack's distr1-distri and hanwen-go-fuse lean on
// for fan-out work over an otherwise sequential operation.
package fsck

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lucidfs/ext2fuse/filesystem/ext2"
)

// Severity classifies a Finding so a caller (the ext2fsck CLI) can
// decide whether to exit non-zero.
type Severity int

const (
	// SeverityInfo is purely informational (e.g. a group summary line).
	SeverityInfo Severity = iota
	// SeverityWarning marks a recoverable inconsistency that does not
	// risk data loss on its own (e.g. a free-count drift).
	SeverityWarning
	// SeverityError marks a genuine invariant violation.
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "WARN"
	case SeverityError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Finding is one diagnostic emitted by a Check. Findings are collected
// rather than returned as Go errors so a single run can surface every
// problem in the image, not just the first.
type Finding struct {
	Severity Severity
	Group    int // -1 when not group-scoped
	Inode    uint32
	Message  string
}

func (f Finding) String() string {
	switch {
	case f.Group >= 0 && f.Inode != 0:
		return fmt.Sprintf("[%s] group %d inode %d: %s", f.Severity, f.Group, f.Inode, f.Message)
	case f.Group >= 0:
		return fmt.Sprintf("[%s] group %d: %s", f.Severity, f.Group, f.Message)
	case f.Inode != 0:
		return fmt.Sprintf("[%s] inode %d: %s", f.Severity, f.Inode, f.Message)
	default:
		return fmt.Sprintf("[%s] %s", f.Severity, f.Message)
	}
}

// Report is the full result of a Check: every Finding collected, in a
// stable order (group findings sorted by group index, then the tree
// walk findings in traversal order).
type Report struct {
	Findings []Finding
}

// Clean reports whether the report contains no SeverityError findings.
func (r *Report) Clean() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			return false
		}
	}
	return true
}

// Check runs every layout and accounting validation against a
// mounted Engine and returns the accumulated Report. It never returns
// a non-nil error except for a fatal I/O failure that makes the rest
// of the traversal meaningless (a group's bitmap block itself failing
// to read, for instance); ordinary invariant violations are Findings,
// not errors.
func Check(e *ext2.Engine) (*Report, error) {
	ins := ext2.Inspect(e)
	report := &Report{}

	groupFindings, err := checkGroups(ins)
	if err != nil {
		return nil, err
	}
	sort.Slice(groupFindings, func(i, j int) bool { return groupFindings[i].Group < groupFindings[j].Group })
	report.Findings = append(report.Findings, groupFindings...)

	treeFindings, err := checkTree(ins)
	if err != nil {
		return nil, err
	}
	report.Findings = append(report.Findings, treeFindings...)

	totalFindings := checkTotals(ins)
	report.Findings = append(report.Findings, totalFindings...)

	return report, nil
}

// checkGroups validates every block group concurrently: each group's
// bitmap population must match its
// descriptor's free counters, and the descriptor's free counters
// themselves must be internally consistent (free + allocated == total).
func checkGroups(ins *ext2.Inspector) ([]Finding, error) {
	n := ins.GroupCount()
	results := make([][]Finding, n)

	var eg errgroup.Group
	var mu sync.Mutex
	for gi := uint32(0); gi < n; gi++ {
		gi := gi
		eg.Go(func() error {
			findings, err := checkOneGroup(ins, gi)
			if err != nil {
				return fmt.Errorf("group %d: %w", gi, err)
			}
			mu.Lock()
			results[gi] = findings
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var out []Finding
	for _, fs := range results {
		out = append(out, fs...)
	}
	return out, nil
}

func checkOneGroup(ins *ext2.Inspector, gi uint32) ([]Finding, error) {
	var findings []Finding
	desc, ok := ins.Group(gi)
	if !ok {
		return []Finding{{Severity: SeverityError, Group: int(gi), Message: "descriptor missing"}}, nil
	}

	allocBlocks, err := ins.CountAllocatedBlocks(gi)
	if err != nil {
		return nil, err
	}
	wantFreeBlocks := ext2.BlocksPerGroup - allocBlocks
	if uint32(wantFreeBlocks) != desc.FreeBlocksCount {
		findings = append(findings, Finding{
			Severity: SeverityError, Group: int(gi),
			Message: fmt.Sprintf("bg_free_blocks_count=%d but bitmap has %d allocated (expected %d free)",
				desc.FreeBlocksCount, allocBlocks, wantFreeBlocks),
		})
	}

	allocInodes, err := ins.CountAllocatedInodes(gi)
	if err != nil {
		return nil, err
	}
	wantFreeInodes := ext2.InodesPerGroup - allocInodes
	if uint32(wantFreeInodes) != desc.FreeInodesCount {
		findings = append(findings, Finding{
			Severity: SeverityError, Group: int(gi),
			Message: fmt.Sprintf("bg_free_inodes_count=%d but bitmap has %d allocated (expected %d free)",
				desc.FreeInodesCount, allocInodes, wantFreeInodes),
		})
	}

	// Invariant 1: every allocated inode's mode has a valid type nibble.
	for local := 0; local < ext2.InodesPerGroup; local++ {
		allocated, err := ins.InodeAllocated(gi, local)
		if err != nil {
			return nil, err
		}
		if !allocated {
			continue
		}
		num := ext2.InodeNum(gi, local)
		in, err := ins.GetInode(num)
		if err != nil {
			return nil, err
		}
		if !ext2.ModeTypeValid(in) {
			findings = append(findings, Finding{
				Severity: SeverityError, Group: int(gi), Inode: num,
				Message: fmt.Sprintf("mode 0%o has no recognized type bits", in.Mode),
			})
		}
	}

	return findings, nil
}

// checkTotals validates the filesystem-wide accounting: the
// superblock's free counters must equal the sum of every group's.
func checkTotals(ins *ext2.Inspector) []Finding {
	var findings []Finding
	sumFreeBlocks, sumFreeInodes := uint32(0), uint32(0)
	for gi := uint32(0); gi < ins.GroupCount(); gi++ {
		desc, ok := ins.Group(gi)
		if !ok {
			continue
		}
		sumFreeBlocks += desc.FreeBlocksCount
		sumFreeInodes += desc.FreeInodesCount
	}
	if sumFreeBlocks != ins.FreeBlocksCount() {
		findings = append(findings, Finding{Severity: SeverityError, Group: -1,
			Message: fmt.Sprintf("sum(bg_free_blocks_count)=%d != s_free_blocks_count=%d", sumFreeBlocks, ins.FreeBlocksCount())})
	}
	if sumFreeInodes != ins.FreeInodesCount() {
		findings = append(findings, Finding{Severity: SeverityError, Group: -1,
			Message: fmt.Sprintf("sum(bg_free_inodes_count)=%d != s_free_inodes_count=%d", sumFreeInodes, ins.FreeInodesCount())})
	}
	return findings
}

// checkTree walks the directory tree from root, depth-first, checking:
//   - every block an inode references is marked allocated
//     in its owning group's block bitmap.
//   - i_blocks / sectorsPerBlock equals the number of data
//     blocks visitInodeBlocks actually enumerates.
//   - acyclicity: no inode number is visited twice (a corrupted image
//     could wire a directory record back at an ancestor).
func checkTree(ins *ext2.Inspector) ([]Finding, error) {
	var findings []Finding
	visited := make(map[uint32]bool)

	var walk func(num uint32, path string) error
	walk = func(num uint32, path string) error {
		if visited[num] {
			findings = append(findings, Finding{
				Severity: SeverityError, Inode: num,
				Message: fmt.Sprintf("cycle detected: %s revisits an already-walked inode", path),
			})
			return nil
		}
		visited[num] = true

		in, err := ins.GetInode(num)
		if err != nil {
			return err
		}

		blockCount := 0
		var visitErr error
		if vErr := ins.VisitBlocks(in, func(global uint32) bool {
			blockCount++
			group, local := global/ext2.BlocksPerGroup, global%ext2.BlocksPerGroup
			allocated, err := ins.BlockAllocated(group, int(local))
			if err != nil {
				visitErr = err
				return false
			}
			if !allocated {
				findings = append(findings, Finding{
					Severity: SeverityError, Inode: num,
					Message: fmt.Sprintf("block %d (group %d local %d) is referenced but not marked allocated", global, group, local),
				})
			}
			return true
		}); vErr != nil {
			return vErr
		}
		if visitErr != nil {
			return visitErr
		}

		const sectorsPerBlock = ext2.BlockSize / 512
		if want := ext2.InodeBlocksSectors(in) / sectorsPerBlock; int(want) != blockCount {
			findings = append(findings, Finding{
				Severity: SeverityWarning, Inode: num,
				Message: fmt.Sprintf("i_blocks implies %d data blocks but traversal enumerated %d", want, blockCount),
			})
		}

		if !ext2.IsDirInode(in) {
			return nil
		}
		entries, err := ins.ListDir(in)
		if err != nil {
			return err
		}
		for _, ent := range entries {
			if ent.Name == "." || ent.Name == ".." {
				continue
			}
			if err := walk(ent.Inode, path+"/"+ent.Name); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(ins.RootInodeNum(), ""); err != nil {
		return nil, err
	}
	return findings, nil
}
