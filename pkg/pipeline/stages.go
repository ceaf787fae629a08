package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"histostack/internal/models"
	"histostack/pkg/events"
	"histostack/pkg/imaging"
	"histostack/pkg/masking"
	"histostack/pkg/pyramid"
	"histostack/pkg/resample"
	"histostack/pkg/solver"
	"histostack/pkg/storage"
)

// register records the volume and its sections. Existing records are kept,
// so registering again is harmless.
func (r *volumeRun) register(ctx context.Context) error {
	refs, err := r.source.Sections(ctx, r.id)
	if err != nil {
		return fmt.Errorf("list sections: %w", err)
	}
	if len(refs) == 0 {
		return fmt.Errorf("volume %s has no sections", r.id)
	}
	reference, designated, err := r.source.Reference(ctx, r.id)
	if err != nil {
		return fmt.Errorf("reference: %w", err)
	}

	return r.retry(ctx, StageRegister, func() error {
		v := models.Volume{ID: r.id, ReferenceIndex: reference, ReferenceDesignated: designated, Depth: len(refs)}
		if _, err := r.store.EnsureVolume(ctx, v); err != nil {
			return err
		}
		added := 0
		for _, ref := range refs {
			ok, err := r.store.RegisterSection(ctx, models.Section{
				VolumeID:      r.id,
				OrderIndex:    ref.OrderIndex,
				RawImageRef:   ref.RawImageRef,
				PhysicalScale: ref.PhysicalScale,
			})
			if err != nil {
				return err
			}
			if ok {
				added++
			}
		}
		r.log.Info("sections registered", zap.Int("sections", len(refs)), zap.Int("new", added))
		return nil
	})
}

func (r *volumeRun) sections(ctx context.Context) ([]models.Section, error) {
	var out []models.Section
	err := r.retry(ctx, "list", func() error {
		var err error
		out, err = r.store.ListSections(ctx, r.id)
		return err
	})
	return out, err
}

func withStatus(sections []models.Section, status models.Status) []models.Section {
	var out []models.Section
	for _, s := range sections {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out
}

// loadRaw reads the raw image of a section.
func (r *volumeRun) loadRaw(ctx context.Context, sec models.Section) (*imaging.Gray, error) {
	var g *imaging.Gray
	err := r.retry(ctx, "open", func() error {
		img, err := r.source.Open(ctx, sec.RawImageRef)
		if err != nil {
			return err
		}
		g = imaging.FromImage(img)
		return nil
	})
	if err != nil {
		if isTransient(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceUnreadable, sec.RawImageRef, err)
	}
	return g, nil
}

// loadMask returns the stored mask of a section.
func (r *volumeRun) loadMask(ctx context.Context, order int) (*masking.Mask, error) {
	if m, ok := r.masks.get(r.id, order); ok {
		return m, nil
	}
	var data []byte
	err := r.retry(ctx, "load_mask", func() error {
		var err error
		data, err = r.artifacts.Get(ctx, r.id, storage.KindMask, order)
		return err
	})
	if err != nil {
		return nil, err
	}
	m, err := masking.Decode(data, 1/float64(r.cfg.Masking.Downsample))
	if err != nil {
		return nil, err
	}
	r.masks.put(r.id, order, m)
	return m, nil
}

// maskAll masks every pending section.
func (r *volumeRun) maskAll(ctx context.Context) error {
	secs, err := r.sections(ctx)
	if err != nil {
		return err
	}
	return r.forEach(ctx, withStatus(secs, models.StatusPending), func(ctx context.Context, sec models.Section) error {
		return r.runStage(ctx, StageMask, &sec, func() error { return r.maskSection(ctx, &sec) })
	})
}

// maskSection masks a pending section. A rejected mask still leaves its
// dimensions and confidence on sec for the failure record.
func (r *volumeRun) maskSection(ctx context.Context, sec *models.Section) error {
	raw, err := r.loadRaw(ctx, *sec)
	if err != nil {
		return err
	}

	m, err := r.generator.Generate(raw)
	if m != nil {
		sec.Width, sec.Height, sec.MaskConfidence = raw.Width, raw.Height, m.Confidence
	}
	if err != nil {
		if errors.Is(err, ErrLowMaskConfidence) {
			r.log.Warn("mask confidence too low", zap.Int("section", sec.OrderIndex), zap.Float64("confidence", m.Confidence))
		}
		return err
	}

	data, err := m.Encode()
	if err != nil {
		return err
	}
	if err := r.retry(ctx, StageMask, func() error {
		return r.artifacts.Put(ctx, r.id, storage.KindMask, sec.OrderIndex, data)
	}); err != nil {
		return err
	}
	r.masks.put(r.id, sec.OrderIndex, m)

	next := *sec
	next.Status = models.StatusMasked
	return r.advance(ctx, StageMask, models.StatusPending, next)
}

// partners returns, for every usable section, the sections it is
// registered against: the nearest preceding usable section, and the usable
// section stride positions back when skip pairs are enabled. Failed
// sections are bridged over.
func partners(sections []models.Section, stride int) map[int][]pairPlan {
	var usable []int
	for _, s := range sections {
		if s.Usable() {
			usable = append(usable, s.OrderIndex)
		}
	}

	out := make(map[int][]pairPlan, len(usable))
	for i, from := range usable {
		if i >= 1 {
			out[from] = append(out[from], pairPlan{to: usable[i-1], kind: models.PairAdjacent})
		}
		if stride >= 2 && i >= stride {
			out[from] = append(out[from], pairPlan{to: usable[i-stride], kind: models.PairSkip})
		}
	}
	return out
}

type pairPlan struct {
	to   int
	kind models.PairKind
}

// pairwiseAll registers every masked section against its partners.
func (r *volumeRun) pairwiseAll(ctx context.Context) error {
	secs, err := r.sections(ctx)
	if err != nil {
		return err
	}
	for _, s := range secs {
		if s.Status == models.StatusPending {
			return fmt.Errorf("section %d is still pending", s.OrderIndex)
		}
	}

	plan := partners(secs, r.cfg.Alignment.SkipStride)
	return r.forEach(ctx, withStatus(secs, models.StatusMasked), func(ctx context.Context, sec models.Section) error {
		return r.runStage(ctx, StagePairwise, &sec, func() error { return r.pairwiseSection(ctx, sec, plan[sec.OrderIndex]) })
	})
}

func (r *volumeRun) pairwiseSection(ctx context.Context, sec models.Section, plan []pairPlan) error {
	var pairs []models.PairResult
	if len(plan) > 0 {
		moving, err := r.loadMask(ctx, sec.OrderIndex)
		if err != nil {
			return err
		}
		for _, partner := range plan {
			fixed, err := r.loadMask(ctx, partner.to)
			if err != nil {
				return err
			}

			res := r.aligner.Align(ctx, moving, fixed)
			if res.Err != nil && !errors.Is(res.Err, ErrPairwiseNonConvergent) {
				return res.Err
			}
			p := models.PairResult{
				VolumeID:   r.id,
				From:       sec.OrderIndex,
				To:         partner.to,
				Kind:       partner.kind,
				Transform:  res.RawTransform(moving.Scale),
				Cost:       res.Cost,
				Overlap:    res.Overlap,
				Confidence: res.Confidence,
				Iterations: res.Iterations,
				Converged:  res.Converged,
				Failed:     res.Err != nil,
			}
			if p.Failed {
				r.log.Debug("pair not aligned",
					zap.Int("section", p.From), zap.Int("partner", p.To),
					zap.Float64("overlap", p.Overlap), zap.Error(res.Err))
			}
			pairs = append(pairs, p)
		}
	}

	next := sec
	next.Status = models.StatusPairwiseAligned
	err := r.retry(ctx, StagePairwise, func() error {
		return r.store.TransitionWithPairs(ctx, next, pairs)
	})
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if p.Failed {
			r.publish(ctx, events.NewPairFailed(p))
		}
	}
	r.emit(ctx, models.StatusMasked, next)
	return nil
}

// solve runs the global solver once every usable section has its pairs.
func (r *volumeRun) solve(ctx context.Context) error {
	secs, err := r.sections(ctx)
	if err != nil {
		return err
	}

	pending := false
	for _, s := range secs {
		if s.Status == models.StatusFailed {
			continue
		}
		if !s.Status.AtLeast(models.StatusPairwiseAligned) {
			return fmt.Errorf("section %d is %s, pairwise alignment incomplete", s.OrderIndex, s.Status)
		}
		if s.Status == models.StatusPairwiseAligned {
			pending = true
		}
	}
	if !pending {
		r.log.Debug("transforms up to date")
		return nil
	}

	// New pairs may move every section, so all transforms are recomputed.
	if err := r.retry(ctx, StageSolve, func() error {
		return r.store.Rewind(ctx, r.id, models.StatusPairwiseAligned)
	}); err != nil {
		return err
	}
	if secs, err = r.sections(ctx); err != nil {
		return err
	}

	vol, err := r.store.GetVolume(ctx, r.id)
	if err != nil {
		return err
	}
	reference, err := solver.SelectReference(secs, vol.ReferenceIndex, vol.ReferenceDesignated)
	if err != nil {
		return err
	}
	if vol.ReferenceDesignated && reference != vol.ReferenceIndex {
		r.log.Warn("designated reference is not usable", zap.Int("designated", vol.ReferenceIndex), zap.Int("reference", reference))
	}

	pairs, err := r.store.ListPairs(ctx, r.id)
	if err != nil {
		return err
	}

	start := time.Now()
	sol, err := r.solver.Solve(secs, pairs, reference)
	if err != nil {
		r.metrics.observe(StageSolve, outcomeFailed, start)
		return err
	}
	r.metrics.observe(StageSolve, outcomeOK, start)
	r.log.Info("global solve",
		zap.Int("reference", reference),
		zap.Int("iterations", sol.Iterations),
		zap.Int("unaligned", len(sol.Unaligned)),
		zap.Ints("drift", sol.Drift))

	drift := make(map[int]bool, len(sol.Drift))
	for _, idx := range sol.Drift {
		drift[idx] = true
	}

	canvas := resample.NewCanvas(secs, reference, r.cfg.Resample.Padding)
	vol.ReferenceIndex = reference
	vol.Width, vol.Height = canvas.Width, canvas.Height
	vol.Depth = len(secs)
	if err := r.describe(&vol, secs); err != nil {
		return err
	}
	if err := r.retry(ctx, StageSolve, func() error { return r.store.UpdateVolume(ctx, vol) }); err != nil {
		return err
	}

	for _, sec := range withStatus(secs, models.StatusPairwiseAligned) {
		next := sec
		if drift[sec.OrderIndex] {
			next.Status = models.StatusFailed
			next.Reason = models.ReasonDriftOutOfBounds
			r.log.Warn("drift out of bounds", zap.Int("section", sec.OrderIndex), zap.Float64("residual", sol.Residuals[sec.OrderIndex]))
		} else {
			t := sol.Transforms[sec.OrderIndex]
			next.Status = models.StatusGloballyAligned
			next.Transform = &t
			next.Unaligned = sol.Unaligned[sec.OrderIndex]
		}
		if err := r.advance(ctx, StageSolve, models.StatusPairwiseAligned, next); err != nil && !errors.Is(err, storage.ErrIllegalTransition) {
			return err
		}
	}
	return nil
}

// describe fills in the voxel size and level count of the volume.
func (r *volumeRun) describe(vol *models.Volume, secs []models.Section) error {
	umPerPixel := 1.0
	for _, s := range secs {
		if s.OrderIndex == vol.ReferenceIndex && s.PhysicalScale > 0 {
			umPerPixel = s.PhysicalScale
		}
	}
	vol.VoxelSize.X = umPerPixel * 1000
	vol.VoxelSize.Y = umPerPixel * 1000
	vol.VoxelSize.Z = r.cfg.Volume.SectionThicknessNM

	layout, err := r.layout(*vol)
	if err != nil {
		return err
	}
	vol.Levels = len(layout.Levels)
	return nil
}

func (r *volumeRun) layout(vol models.Volume) (*pyramid.Layout, error) {
	return pyramid.NewLayout(
		[3]int{vol.Width, vol.Height, vol.Depth},
		[3]float64{vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z},
		r.cfg.Pyramid.ChunkSize, r.cfg.Pyramid.Factor, r.cfg.Pyramid.Levels)
}

// resampleAll warps every globally aligned section onto the volume canvas.
func (r *volumeRun) resampleAll(ctx context.Context) error {
	secs, err := r.sections(ctx)
	if err != nil {
		return err
	}
	todo := withStatus(secs, models.StatusGloballyAligned)
	if len(todo) == 0 {
		return nil
	}

	vol, err := r.store.GetVolume(ctx, r.id)
	if err != nil {
		return err
	}
	warper := resample.NewWarper(resample.NewCanvas(secs, vol.ReferenceIndex, r.cfg.Resample.Padding))

	return r.forEach(ctx, todo, func(ctx context.Context, sec models.Section) error {
		return r.runStage(ctx, StageResample, &sec, func() error { return r.resampleSection(ctx, warper, sec) })
	})
}

func (r *volumeRun) resampleSection(ctx context.Context, warper *resample.Warper, sec models.Section) error {
	if sec.Transform == nil {
		return fmt.Errorf("section %d has no transform", sec.OrderIndex)
	}
	raw, err := r.loadRaw(ctx, sec)
	if err != nil {
		return err
	}
	if r.cfg.Resample.ApplyMask {
		m, err := r.loadMask(ctx, sec.OrderIndex)
		if err != nil {
			return err
		}
		raw = m.Apply(raw)
	}

	aligned := warper.Aligned(raw, *sec.Transform)
	data, err := imaging.EncodePNG16(aligned)
	if err != nil {
		return err
	}
	if err := r.retry(ctx, StageResample, func() error {
		return r.artifacts.Put(ctx, r.id, storage.KindAligned, sec.OrderIndex, data)
	}); err != nil {
		return err
	}

	if r.cfg.Storage.SaveIntermediaryResults {
		preview, err := imaging.EncodePNG8(warper.Preview(raw, *sec.Transform, r.cfg.Resample.PreviewDownsample))
		if err != nil {
			return err
		}
		if err := r.retry(ctx, StageResample, func() error {
			return r.artifacts.Put(ctx, r.id, storage.KindPreview, sec.OrderIndex, preview)
		}); err != nil {
			r.log.Warn("Failed to save preview", zap.Int("section", sec.OrderIndex), zap.Error(err))
		}
	}

	next := sec
	next.Status = models.StatusResampled
	return r.advance(ctx, StageResample, models.StatusGloballyAligned, next)
}

// pyramidAll writes the chunks of every resampled section, zero chunks for
// sections that never will be, and the info descriptor.
func (r *volumeRun) pyramidAll(ctx context.Context) error {
	secs, err := r.sections(ctx)
	if err != nil {
		return err
	}
	for _, s := range secs {
		if s.Status != models.StatusFailed && !s.Status.AtLeast(models.StatusResampled) {
			return fmt.Errorf("section %d is %s, resampling incomplete", s.OrderIndex, s.Status)
		}
	}

	vol, err := r.store.GetVolume(ctx, r.id)
	if err != nil {
		return err
	}
	if vol.Width == 0 || vol.Height == 0 {
		return errors.New("volume has no canvas, no section was aligned")
	}
	layout, err := r.layout(vol)
	if err != nil {
		return err
	}
	builder, err := pyramid.NewBuilder(r.id, layout, r.chunks, r.cfg.Pyramid.Compression, r.log)
	if err != nil {
		return err
	}

	recorded, err := r.store.ListChunks(ctx, r.id)
	if err != nil {
		return err
	}
	covered := make(map[int]bool)
	for _, c := range recorded {
		for z := c.Bounds.Min[2]; z < c.Bounds.Max[2]; z++ {
			covered[z] = true
		}
	}

	// Section planes are numbered by cutting order.
	z := make(map[int]int, len(secs))
	var todo []models.Section
	for i, s := range secs {
		z[s.OrderIndex] = i
		if s.Status == models.StatusResampled || (s.Status == models.StatusFailed && !covered[i]) {
			todo = append(todo, s)
		}
	}

	err = r.forEach(ctx, todo, func(ctx context.Context, sec models.Section) error {
		if sec.Status == models.StatusFailed {
			return r.placeholder(ctx, builder, sec, z[sec.OrderIndex])
		}
		return r.runStage(ctx, StagePyramid, &sec, func() error { return r.pyramidSection(ctx, builder, sec, z[sec.OrderIndex]) })
	})
	if err != nil {
		return err
	}

	return r.retry(ctx, StagePyramid, func() error { return builder.WriteInfo(ctx) })
}

func (r *volumeRun) pyramidSection(ctx context.Context, builder *pyramid.Builder, sec models.Section, z int) error {
	var data []byte
	err := r.retry(ctx, StagePyramid, func() error {
		var err error
		data, err = r.artifacts.Get(ctx, r.id, storage.KindAligned, sec.OrderIndex)
		return err
	})
	if err != nil {
		return err
	}
	aligned, err := imaging.DecodeGray(data)
	if err != nil {
		return err
	}

	var chunks []models.Chunk
	if err := r.retry(ctx, StagePyramid, func() error {
		var err error
		chunks, err = builder.BuildSection(ctx, z, aligned)
		return err
	}); err != nil {
		return err
	}
	if err := r.retry(ctx, StagePyramid, func() error { return r.store.RecordChunks(ctx, chunks) }); err != nil {
		return err
	}

	next := sec
	next.Status = models.StatusPyramided
	return r.advance(ctx, StagePyramid, models.StatusResampled, next)
}

func (r *volumeRun) placeholder(ctx context.Context, builder *pyramid.Builder, sec models.Section, z int) error {
	var chunks []models.Chunk
	if err := r.retry(ctx, StagePyramid, func() error {
		var err error
		chunks, err = builder.BuildPlaceholder(ctx, z)
		return err
	}); err != nil {
		return err
	}
	r.log.Debug("placeholder written", zap.Int("section", sec.OrderIndex), zap.String("reason", string(sec.Reason)))
	return r.retry(ctx, StagePyramid, func() error { return r.store.RecordChunks(ctx, chunks) })
}
