package memory

// encryptFields returns a copy of m with its kind-specific text fields
// sealed via the store's cipher. The Shared fields (tags, metadata, numeric
// strength/importance) stay in the clear so Query's filters keep working;
// only the free-text content spec §4.4 calls out is sealed.
func (s *Store) encryptFields(m Memory) (Memory, error) {
	owner := m.Shared.OwnerAgentID
	out := m
	switch m.Shared.Kind {
	case KindEpisodic:
		if m.Episodic == nil {
			return out, nil
		}
		e := *m.Episodic
		var err error
		if e.Event, err = s.cipher.Seal(owner, e.Event); err != nil {
			return Memory{}, err
		}
		if e.Context, err = s.cipher.Seal(owner, e.Context); err != nil {
			return Memory{}, err
		}
		if e.Outcome, err = s.cipher.Seal(owner, e.Outcome); err != nil {
			return Memory{}, err
		}
		out.Episodic = &e
	case KindSemantic:
		if m.Semantic == nil {
			return out, nil
		}
		sem := *m.Semantic
		var err error
		if sem.Subject, err = s.cipher.Seal(owner, sem.Subject); err != nil {
			return Memory{}, err
		}
		if sem.Predicate, err = s.cipher.Seal(owner, sem.Predicate); err != nil {
			return Memory{}, err
		}
		if sem.Object, err = s.cipher.Seal(owner, sem.Object); err != nil {
			return Memory{}, err
		}
		out.Semantic = &sem
	case KindProcedural:
		if m.Procedural == nil {
			return out, nil
		}
		p := *m.Procedural
		var err error
		if p.Description, err = s.cipher.Seal(owner, p.Description); err != nil {
			return Memory{}, err
		}
		if p.Trigger, err = s.cipher.Seal(owner, p.Trigger); err != nil {
			return Memory{}, err
		}
		sealedSteps := make([]string, len(p.Steps))
		for i, step := range p.Steps {
			if sealedSteps[i], err = s.cipher.Seal(owner, step); err != nil {
				return Memory{}, err
			}
		}
		p.Steps = sealedSteps
		out.Procedural = &p
	}
	return out, nil
}

// decryptFields reverses encryptFields.
func (s *Store) decryptFields(m Memory) (Memory, error) {
	owner := m.Shared.OwnerAgentID
	out := m
	switch m.Shared.Kind {
	case KindEpisodic:
		if m.Episodic == nil {
			return out, nil
		}
		e := *m.Episodic
		var err error
		if e.Event, err = s.cipher.Open(owner, e.Event); err != nil {
			return Memory{}, err
		}
		if e.Context, err = s.cipher.Open(owner, e.Context); err != nil {
			return Memory{}, err
		}
		if e.Outcome, err = s.cipher.Open(owner, e.Outcome); err != nil {
			return Memory{}, err
		}
		out.Episodic = &e
	case KindSemantic:
		if m.Semantic == nil {
			return out, nil
		}
		sem := *m.Semantic
		var err error
		if sem.Subject, err = s.cipher.Open(owner, sem.Subject); err != nil {
			return Memory{}, err
		}
		if sem.Predicate, err = s.cipher.Open(owner, sem.Predicate); err != nil {
			return Memory{}, err
		}
		if sem.Object, err = s.cipher.Open(owner, sem.Object); err != nil {
			return Memory{}, err
		}
		out.Semantic = &sem
	case KindProcedural:
		if m.Procedural == nil {
			return out, nil
		}
		p := *m.Procedural
		var err error
		if p.Description, err = s.cipher.Open(owner, p.Description); err != nil {
			return Memory{}, err
		}
		if p.Trigger, err = s.cipher.Open(owner, p.Trigger); err != nil {
			return Memory{}, err
		}
		openSteps := make([]string, len(p.Steps))
		for i, step := range p.Steps {
			if openSteps[i], err = s.cipher.Open(owner, step); err != nil {
				return Memory{}, err
			}
		}
		p.Steps = openSteps
		out.Procedural = &p
	}
	return out, nil
}
