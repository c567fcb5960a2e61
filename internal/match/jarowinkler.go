package match

// jaroSimilarity computes the classic Jaro similarity between two strings.
func jaroSimilarity(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0
		}

		return 1
	}

	if a == "" || b == "" {
		return 0
	}

	ra, rb := []rune(a), []rune(b)

	window := max(len(ra), len(rb))/2 - 1
	if window < 0 {
		window = 0
	}

	matchedA := make([]bool, len(ra))
	matchedB := make([]bool, len(rb))

	var matches int

	for i := range ra {
		lo := i - window
		if lo < 0 {
			lo = 0
		}

		hi := i + window + 1
		if hi > len(rb) {
			hi = len(rb)
		}

		for j := lo; j < hi; j++ {
			if matchedB[j] || ra[i] != rb[j] {
				continue
			}

			matchedA[i] = true
			matchedB[j] = true
			matches++

			break
		}
	}

	if matches == 0 {
		return 0
	}

	var transpositions, k int

	for i := range ra {
		if !matchedA[i] {
			continue
		}

		for !matchedB[k] {
			k++
		}

		if ra[i] != rb[k] {
			transpositions++
		}

		k++
	}

	m := float64(matches)
	t := float64(transpositions) / 2

	return (m/float64(len(ra)) + m/float64(len(rb)) + (m-t)/m) / 3
}

// JaroWinkler returns the Jaro-Winkler similarity of two strings in [0,1].
// Identical non-empty strings score 1, an empty side scores 0. Up to four
// matching leading characters earn a prefix bonus at factor 0.1.
func JaroWinkler(a, b string) float64 {
	jaro := jaroSimilarity(a, b)
	if jaro == 0 || jaro == 1 {
		return jaro
	}

	ra, rb := []rune(a), []rune(b)

	var prefix int
	for prefix < len(ra) && prefix < len(rb) && prefix < 4 && ra[prefix] == rb[prefix] {
		prefix++
	}

	return jaro + float64(prefix)*0.1*(1-jaro)
}
