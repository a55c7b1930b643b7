package domain

// StepProgress is the completed-task ratio of a step. An empty step counts
// as complete only once its own status says so.
func StepProgress(s Step) float64 {
	if len(s.Tasks) == 0 {
		if s.Status == StatusCompleted {
			return 1
		}
		return 0
	}
	done := 0
	for _, t := range s.Tasks {
		if t.Status == StatusCompleted {
			done++
		}
	}
	return float64(done) / float64(len(s.Tasks))
}

func StageProgress(s Stage) float64 {
	if len(s.Steps) == 0 {
		if s.Status == StatusCompleted {
			return 1
		}
		return 0
	}
	var sum float64
	for _, st := range s.Steps {
		sum += StepProgress(st)
	}
	return sum / float64(len(s.Steps))
}

// AssignmentProgress averages stage progress over the cloned tree.
func AssignmentProgress(stages []Stage) float64 {
	if len(stages) == 0 {
		return 0
	}
	var sum float64
	for _, s := range stages {
		sum += StageProgress(s)
	}
	return sum / float64(len(stages))
}
