package entity

// Field merge rules shared by chats and messages:
//   - scalar strings and times: a non-zero incoming value wins
//   - optional (pointer) fields: a non-nil incoming value wins
//   - monotonic flags (IsGroup, Read): false never overwrites true
//   - lists: set union keyed by element id, existing order first

func mergeChat(dst, src *Chat) bool {
	changed := false
	changed = mergeOptional(&dst.Name, src.Name) || changed
	changed = mergeOptional(&dst.AvatarURL, src.AvatarURL) || changed
	if src.IsGroup && !dst.IsGroup {
		dst.IsGroup = true
		changed = true
	}
	if !src.CreatedAt.IsZero() && !src.CreatedAt.Equal(dst.CreatedAt) {
		dst.CreatedAt = src.CreatedAt
		changed = true
	}
	var merged bool
	dst.Participants, merged = unionParticipants(dst.Participants, src.Participants)
	return merged || changed
}

func mergeMessage(dst, src *Message) bool {
	changed := false
	changed = mergeScalar(&dst.ClientID, src.ClientID) || changed
	changed = mergeScalar(&dst.AuthorID, src.AuthorID) || changed
	changed = mergeScalar(&dst.AuthorName, src.AuthorName) || changed
	changed = mergeOptional(&dst.AuthorAvatarURL, src.AuthorAvatarURL) || changed
	changed = mergeOptional(&dst.Text, src.Text) || changed
	if !src.CreatedAt.IsZero() && !src.CreatedAt.Equal(dst.CreatedAt) {
		dst.CreatedAt = src.CreatedAt
		changed = true
	}
	if src.Read && !dst.Read {
		dst.Read = true
		changed = true
	}
	var merged bool
	dst.Files, merged = unionFiles(dst.Files, src.Files)
	return merged || changed
}

func mergeScalar(dst *string, src string) bool {
	if src == "" || *dst == src {
		return false
	}
	*dst = src
	return true
}

func mergeOptional(dst **string, src *string) bool {
	if src == nil {
		return false
	}
	if *dst != nil && **dst == *src {
		return false
	}
	v := *src
	*dst = &v
	return true
}

func unionParticipants(dst, src []Participant) ([]Participant, bool) {
	changed := false
	index := make(map[string]int, len(dst))
	for i, p := range dst {
		index[p.ID] = i
	}
	for _, p := range src {
		if p.ID == "" {
			continue
		}
		if i, ok := index[p.ID]; ok {
			cur := &dst[i]
			changed = mergeScalar(&cur.Name, p.Name) || changed
			changed = mergeOptional(&cur.AvatarURL, p.AvatarURL) || changed
			continue
		}
		p.AvatarURL = cloneString(p.AvatarURL)
		index[p.ID] = len(dst)
		dst = append(dst, p)
		changed = true
	}
	return dst, changed
}

func unionFiles(dst, src []File) ([]File, bool) {
	changed := false
	index := make(map[string]int, len(dst))
	for i, f := range dst {
		index[f.ID] = i
	}
	for _, f := range src {
		if f.ID == "" {
			continue
		}
		if i, ok := index[f.ID]; ok {
			cur := &dst[i]
			changed = mergeScalar(&cur.URL, f.URL) || changed
			changed = mergeScalar(&cur.Name, f.Name) || changed
			continue
		}
		index[f.ID] = len(dst)
		dst = append(dst, f)
		changed = true
	}
	return dst, changed
}
