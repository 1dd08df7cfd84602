package speech

import "strings"

// resolveSpeakerCandidates 将配置里的音色别名归一化为火山引擎音色ID，
// 并按优先级去重返回候选列表。
func resolveSpeakerCandidates(requested, fallback string) []string {
	aliasMap := map[string]string{
		"companion":                             "zh_female_vv_venus_bigtts",
		"concierge":                             "zh_male_M392_conversation_wvae_bigtts",
		"default":                               fallback,
		"en_default":                            "en_female_amy_jupiter_bigtts",
		"zh_male_m392_conversation":             "zh_male_M392_conversation_wvae_bigtts",
		"zh_male_m392_conversation_wvae_bigtts": "zh_male_M392_conversation_wvae_bigtts",
	}

	var candidates []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if mapped, ok := aliasMap[strings.ToLower(s)]; ok {
			s = mapped
		}
		if s == "" {
			return
		}
		for _, existing := range candidates {
			if strings.EqualFold(existing, s) {
				return
			}
		}
		candidates = append(candidates, s)
	}

	add(requested)
	add(fallback)

	if len(candidates) == 0 {
		return []string{fallback}
	}
	return candidates
}

// resolveResourceCandidates 根据音色推断可用的资源ID候选。
func resolveResourceCandidates(voice string) []string {
	const (
		defaultResource = "volc.service_type.10029"
		megaResource    = "volc.megatts.default"
		seedResource    = "seed-tts-2.0"
	)

	voice = strings.TrimSpace(voice)
	if voice == "" {
		return []string{defaultResource, seedResource}
	}

	// 声音复刻音色以 S_ 开头
	if strings.HasPrefix(voice, "S_") {
		return []string{megaResource}
	}

	normalized := strings.ToLower(voice)
	seedHints := []string{
		"bigtts", "seed", "megatts",
		"uranus", "venus", "jupiter", "saturn",
		"neptune", "mercury", "pluto", "mars",
	}
	for _, hint := range seedHints {
		if strings.Contains(normalized, hint) {
			return []string{seedResource, defaultResource}
		}
	}

	return []string{defaultResource, seedResource}
}

func isResourceMismatchError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "resource ID is mismatched with speaker related resource")
}
