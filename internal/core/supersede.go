package core

// LinkSupersede sets the override relations of a new example given the examples already
// stored for the same message, oldest first. It returns the prior example that the new
// one supersedes, or nil. The caller must persist prior.SupersededBy.
//
// Feedback overrides the latest active example. An auto example arriving after feedback
// is stored already superseded by that feedback.
func LinkSupersede(example *TrainingExample, prior []*TrainingExample) *TrainingExample {
	if example.MessageID == "" || len(prior) == 0 {
		return nil
	}

	var latest *TrainingExample
	for i := len(prior) - 1; i >= 0; i-- {
		if prior[i].SupersededBy == "" {
			latest = prior[i]
			break
		}
	}

	if !example.HasContent() {
		for i := len(prior) - 1; i >= 0; i-- {
			if prior[i].HasContent() {
				example.Sender = prior[i].Sender
				example.Subject = prior[i].Subject
				example.Body = prior[i].Body
				if example.Vector == nil {
					example.Vector = prior[i].Vector
				}
				break
			}
		}
	}

	if latest == nil {
		return nil
	}

	switch example.Source {
	case SourceFeedback:
		example.Overrides = latest.ID
		latest.SupersededBy = example.ID
		return latest
	case SourceAuto:
		if latest.Source == SourceFeedback {
			example.SupersededBy = latest.ID
		}
	}
	return nil
}
