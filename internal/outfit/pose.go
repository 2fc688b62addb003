package outfit

// poseTransition is the two-phase pose change: the pointer moves to the
// target immediately, then the transition either commits the generated image
// or rolls the pointer back.
type poseTransition struct {
	e      *Engine
	layer  int
	from   int
	target int
}

// tentativePose applies the optimistic pointer move. Caller holds e.mu.
func (e *Engine) tentativePose(f flight, target int) poseTransition {
	tr := poseTransition{e: e, layer: f.index, from: e.pose, target: target}
	e.pose = target
	return tr
}

// commit merges img into the layer the transition started on. The history
// slice and the layer's pose map are replaced, not mutated. Caller holds e.mu.
func (tr poseTransition) commit(img string) {
	e := tr.e
	layer := e.history[tr.layer].Clone()
	layer.PoseImages[e.poses[tr.target]] = img
	e.replaceLayer(tr.layer, layer)
}

// rollback restores the previous pose unless the user has navigated away in
// the meantime. Caller holds e.mu.
func (tr poseTransition) rollback() {
	e := tr.e
	if e.index == tr.layer && e.pose == tr.target {
		e.pose = tr.from
	}
}
