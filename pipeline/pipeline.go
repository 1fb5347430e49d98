// Package pipeline drives a translation run: it walks the source tree,
// reconciles the progress ledger with freshly extracted blocks, and for
// every pending block translates, merges and durably records it.
//
// Documents are processed one at a time in path order and blocks in
// extraction order. A block is recorded as done only after its merged
// destination file has been written and verified, so an interrupted run
// resumes at the first block whose effect is not on disk.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/minios-linux/epubtrans/book"
	"github.com/minios-linux/epubtrans/checkpoint"
	"github.com/minios-linux/epubtrans/extract"
	"github.com/minios-linux/epubtrans/fileutil"
	"github.com/minios-linux/epubtrans/lockfile"
	"github.com/minios-linux/epubtrans/merge"
	"github.com/minios-linux/epubtrans/metrics"
	"github.com/minios-linux/epubtrans/translate"
	"github.com/minios-linux/epubtrans/watchdog"
)

// ErrHalted wraps the error of a block that stopped the run.
var ErrHalted = errors.New("run halted")

// Translator translates one block given its neighbours.
type Translator interface {
	Translate(ctx context.Context, cur, prev, next string) (string, error)
}

// Options configures a run.
type Options struct {
	SourceDir  string
	OutputDir  string
	SourceLang string
	// ChecklistPath is regenerated after each document. Empty disables it.
	ChecklistPath string

	// Only restricts translation to documents whose relative path or
	// base name matches one of the glob patterns.
	Only []string
	// Bilingual keeps the original blocks next to their translations.
	Bilingual bool
	// DryRun extracts and reconciles without translating or writing.
	DryRun bool

	// Lock records the source checksum of each translated block. A
	// document whose recorded checksums no longer match its source is
	// translated again from a fresh copy. Nil disables the check.
	Lock *lockfile.LockFile

	Metrics *metrics.Recorder
	Verbose bool

	// OnProgress is called after each block is recorded.
	OnProgress func(doc string, done, total int)
	OnLog      func(format string, args ...any)
	OnError    func(format string, args ...any)
}

// Summary reports what a run did.
type Summary struct {
	// Documents is the number of translatable documents selected.
	Documents int
	// Completed is the number of those that are fully translated.
	Completed int
	// Blocks and Pending count all blocks and those left to translate
	// after reconciliation.
	Blocks  int
	Pending int
	// Translated counts blocks merged by this run.
	Translated int
	// Failed counts blocks whose merge or write failed.
	Failed    int
	Fallbacks int
	// Changed counts documents restarted because their source changed.
	Changed int
	Copied    int
	Elapsed   time.Duration
}

// Pipeline runs documents through a Translator into the output tree.
type Pipeline struct {
	tr     Translator
	store  checkpoint.Store
	errlog *checkpoint.ErrorLog
	opts   Options
}

// New returns a pipeline. errlog may be nil.
func New(tr Translator, store checkpoint.Store, errlog *checkpoint.ErrorLog, opts Options) *Pipeline {
	return &Pipeline{tr: tr, store: store, errlog: errlog, opts: opts}
}

func (p *Pipeline) logf(format string, args ...any) {
	if p.opts.OnLog != nil {
		p.opts.OnLog(format, args...)
	}
}

func (p *Pipeline) errorf(format string, args ...any) {
	if p.opts.OnError != nil {
		p.opts.OnError(format, args...)
	} else {
		p.logf(format, args...)
	}
}

func (p *Pipeline) debugf(format string, args ...any) {
	if p.opts.Verbose {
		log.Printf("[DEBUG] "+format, args...)
	}
}

// selected reports whether a document passes the Only filter.
func (p *Pipeline) selected(rel string) bool {
	if len(p.opts.Only) == 0 {
		return true
	}
	for _, pattern := range p.opts.Only {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := path.Match(pattern, path.Base(rel)); ok {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

// Run processes the whole source tree. It stops at the first block
// whose translation was exhausted, returning an error matching both
// ErrHalted and translate.ErrExhausted.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	started := time.Now()
	var sum Summary

	if _, err := p.store.Load(); err != nil {
		return sum, fmt.Errorf("loading progress: %w", err)
	}
	docs, err := book.Walk(p.opts.SourceDir)
	if err != nil {
		return sum, err
	}

	var work []*book.Document
	for i := range docs {
		d := &docs[i]
		if !d.Type.Translatable() || !p.selected(d.RelPath) {
			continue
		}
		if err := p.prepare(d, &sum); err != nil {
			return sum, err
		}
		work = append(work, d)
	}
	sum.Documents = len(work)
	p.countPending(work, &sum)

	if len(p.opts.Only) == 0 && !p.opts.DryRun {
		current := make([]string, 0, len(docs))
		for i := range docs {
			if docs[i].Type.Translatable() {
				current = append(current, docs[i].RelPath)
			}
		}
		p.opts.Lock.Clean(current)
	}

	if p.opts.DryRun {
		sum.Elapsed = time.Since(started)
		return sum, nil
	}
	if err := p.store.Save(); err != nil {
		return sum, fmt.Errorf("saving progress: %w", err)
	}
	p.writeChecklist()

	for i := range docs {
		d := &docs[i]
		if d.Type.Translatable() {
			continue
		}
		copied, err := p.copyOpaque(d)
		if err != nil {
			p.errorf("Copying %s: %v", d.RelPath, err)
			continue
		}
		if copied {
			sum.Copied++
		}
	}

	for _, d := range work {
		if err := ctx.Err(); err != nil {
			sum.Elapsed = time.Since(started)
			return sum, err
		}
		err := p.processDocument(ctx, d, &sum)
		d.Blocks = nil
		if err != nil {
			sum.Elapsed = time.Since(started)
			return sum, err
		}
	}

	sum.Completed = 0
	snap := p.store.Snapshot()
	for _, d := range work {
		if r, ok := snap.Files[d.RelPath]; ok && r.IsCompleted {
			sum.Completed++
		}
	}
	sum.Elapsed = time.Since(started)
	return sum, nil
}

// prepare extracts a document's blocks and reconciles its ledger record.
func (p *Pipeline) prepare(d *book.Document, sum *Summary) error {
	src := d.Path(p.opts.SourceDir)
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}

	res := extract.Extract(string(data), d.Type, extract.Options{SourceLang: p.opts.SourceLang})
	if res.Fallback {
		sum.Fallbacks++
		p.logf("%s: structured parse failed (%v), used pattern scan (%d blocks)", d.RelPath, res.Err, len(res.Blocks))
	}
	d.Blocks = res.Blocks

	if err := p.checkSource(d, sum); err != nil {
		return err
	}
	if p.store.Reconcile(d.RelPath, d.Type, len(d.Blocks)) {
		p.debugf("%s: ledger reconciled to %d blocks", d.RelPath, len(d.Blocks))
	}

	// Blocks recorded before the lock existed are taken as unchanged.
	if lock := p.opts.Lock; lock != nil {
		for i, b := range d.Blocks {
			if !lock.Known(d.RelPath, i) && p.store.IsDone(d.RelPath, i) {
				lock.Update(d.RelPath, i, b.Original)
			}
		}
	}
	return nil
}

// checkSource restarts a document whose source blocks differ from the
// ones it was translated from: its progress is cleared and the stale
// destination file is removed so it is seeded again.
func (p *Pipeline) checkSource(d *book.Document, sum *Summary) error {
	sources := make([]string, len(d.Blocks))
	for i, b := range d.Blocks {
		sources[i] = b.Original
	}
	changed := p.opts.Lock.Changed(d.RelPath, sources)
	if len(changed) == 0 {
		return nil
	}

	sum.Changed++
	p.logf("%s: source changed (%d blocks), translating it again", d.RelPath, len(changed))
	if p.opts.DryRun {
		p.store.Reset(d.RelPath)
		return nil
	}

	dst := d.Path(p.opts.OutputDir)
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale %s: %w", dst, err)
	}
	p.store.Reset(d.RelPath)
	p.opts.Lock.RemoveDocument(d.RelPath)
	return nil
}

func (p *Pipeline) countPending(work []*book.Document, sum *Summary) {
	snap := p.store.Snapshot()
	for _, d := range work {
		r := snap.Files[d.RelPath]
		if r == nil {
			continue
		}
		sum.Blocks += r.TotalBlocks
		sum.Pending += r.TotalBlocks - r.CompletedBlocks
		if r.IsCompleted {
			sum.Completed++
		}
	}
}

// copyOpaque copies a file that is not translated, unless it exists.
func (p *Pipeline) copyOpaque(d *book.Document) (bool, error) {
	dst := d.Path(p.opts.OutputDir)
	if fileutil.Exists(dst) {
		return false, nil
	}
	if err := fileutil.CopyFile(d.Path(p.opts.SourceDir), dst); err != nil {
		return false, err
	}
	return true, nil
}

// processDocument translates the pending blocks of one document.
func (p *Pipeline) processDocument(ctx context.Context, d *book.Document, sum *Summary) error {
	dst := d.Path(p.opts.OutputDir)
	if err := fileutil.DiscardStaleBackup(dst); err != nil {
		p.errorf("Removing stale backup of %s: %v", d.RelPath, err)
	}
	if !fileutil.Exists(dst) {
		if err := fileutil.CopyFile(d.Path(p.opts.SourceDir), dst); err != nil {
			return fmt.Errorf("seeding %s: %w", dst, err)
		}
	}

	total := len(d.Blocks)
	docType := string(d.Type)
	pending := 0
	for i := range d.Blocks {
		if !p.store.IsDone(d.RelPath, i) {
			pending++
		}
	}
	if pending == 0 {
		p.debugf("%s: nothing to do", d.RelPath)
		p.finishDocument(ctx, d)
		return nil
	}
	p.logf("Translating %s (%d/%d blocks pending)", d.RelPath, pending, total)

	for i := range d.Blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.store.IsDone(d.RelPath, i) {
			continue
		}

		prev, cur, next := extract.Context(d.Blocks, i)
		translated, err := p.tr.Translate(ctx, cur, prev, next)
		if err != nil {
			if errors.Is(err, translate.ErrExhausted) {
				d.Blocks[i].Status = book.Failed
				p.recordError(d.RelPath, i, err, cur)
				p.opts.Metrics.BlockDone(ctx, docType, metrics.OutcomeFailed)
				return fmt.Errorf("%w: %s block %d: %w", ErrHalted, d.RelPath, i, err)
			}
			return fmt.Errorf("%s block %d: %w", d.RelPath, i, err)
		}
		d.Blocks[i].Translated = translated

		if err := p.mergeBlock(dst, d, i); err != nil {
			d.Blocks[i].Status = book.Failed
			sum.Failed++
			p.errorf("%s block %d: %v", d.RelPath, i, err)
			p.recordError(d.RelPath, i, err, cur)
			p.opts.Metrics.BlockDone(ctx, docType, metrics.OutcomeFailed)
			continue
		}

		if err := p.store.RecordBlockDone(d.RelPath, i); err != nil {
			return err
		}
		p.opts.Lock.Update(d.RelPath, i, d.Blocks[i].Original)
		if err := p.store.Save(); err != nil {
			return fmt.Errorf("saving progress: %w", err)
		}
		if err := p.opts.Lock.Save(); err != nil {
			p.errorf("Writing %s: %v", p.opts.Lock.Path(), err)
		}
		d.Blocks[i].Status = book.Completed
		sum.Translated++
		p.opts.Metrics.BlockDone(ctx, docType, metrics.OutcomeCompleted)

		if p.opts.OnProgress != nil {
			if r, ok := p.store.Snapshot().Files[d.RelPath]; ok {
				p.opts.OnProgress(d.RelPath, r.CompletedBlocks, total)
			}
		}
	}

	p.finishDocument(ctx, d)
	return nil
}

// mergeBlock splices block i into the destination file and writes it.
func (p *Pipeline) mergeBlock(dst string, d *book.Document, i int) error {
	data, err := os.ReadFile(dst)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dst, err)
	}
	b := d.Blocks[i]
	merged, res, err := merge.Splice(string(data), merge.Request{
		Type:       d.Type,
		Original:   b.Original,
		Translated: b.Translated,
		Index:      i,
		Prior:      d.Duplicates(i),
		Bilingual:  p.opts.Bilingual,
	})
	if err != nil {
		return err
	}
	p.debugf("%s block %d merged (%s)", d.RelPath, i, res)
	if res == merge.Skipped {
		return nil
	}
	return fileutil.SafeWrite(dst, []byte(merged))
}

func (p *Pipeline) finishDocument(ctx context.Context, d *book.Document) {
	r, ok := p.store.Snapshot().Files[d.RelPath]
	if !ok {
		return
	}
	if r.IsCompleted {
		p.opts.Metrics.DocumentDone(ctx, string(d.Type))
		if r.TotalBlocks > 0 {
			p.logf("Completed %s (%d blocks)", d.RelPath, r.TotalBlocks)
		}
	}
	p.writeChecklist()
	if err := p.opts.Lock.Save(); err != nil {
		p.errorf("Writing %s: %v", p.opts.Lock.Path(), err)
	}
}

func (p *Pipeline) recordError(doc string, block int, cause error, content string) {
	if p.errlog == nil {
		return
	}
	if err := p.errlog.Append(doc, block, cause, content); err != nil {
		p.errorf("Writing error ledger: %v", err)
	}
}

func (p *Pipeline) writeChecklist() {
	if p.opts.ChecklistPath == "" {
		return
	}
	if err := checkpoint.WriteChecklist(p.opts.ChecklistPath, p.store.Snapshot()); err != nil {
		p.errorf("Writing checklist: %v", err)
	}
}

// RunWithWatchdog runs the pipeline with w sampling memory alongside.
// The watchdog stops when the pipeline returns.
func (p *Pipeline) RunWithWatchdog(ctx context.Context, w *watchdog.Watchdog) (Summary, error) {
	g, gctx := errgroup.WithContext(ctx)
	wctx, stop := context.WithCancel(gctx)
	defer stop()

	var sum Summary
	g.Go(func() error {
		defer stop()
		var err error
		sum, err = p.Run(gctx)
		return err
	})
	g.Go(func() error { return w.Run(wctx) })

	err := g.Wait()
	return sum, err
}
