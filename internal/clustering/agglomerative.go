package clustering

// agglomerate groups n items by greedy average-linkage clustering. score
// must be symmetric. The closest pair of groups is merged while its average
// pairwise score is at least threshold. Ties go to the lowest indexes.
// Groups keep their items in ascending index order.
func agglomerate(n int, score func(i, j int) float64, threshold float64) [][]int {
	if n == 0 {
		return nil
	}

	// link[a][b] holds the summed pairwise score between groups a and b.
	link := make([][]float64, n)
	for i := range link {
		link[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := score(i, j)
			link[i][j] = v
			link[j][i] = v
		}
	}

	groups := make([][]int, n)
	alive := make([]bool, n)
	for i := range groups {
		groups[i] = []int{i}
		alive[i] = true
	}

	for {
		bestA, bestB := -1, -1
		best := 0.0
		for a := 0; a < n; a++ {
			if !alive[a] {
				continue
			}
			for b := a + 1; b < n; b++ {
				if !alive[b] {
					continue
				}
				avg := link[a][b] / float64(len(groups[a])*len(groups[b]))
				if bestA < 0 || avg > best {
					bestA, bestB, best = a, b, avg
				}
			}
		}
		if bestA < 0 || best < threshold {
			break
		}

		groups[bestA] = mergeSorted(groups[bestA], groups[bestB])
		groups[bestB] = nil
		alive[bestB] = false
		for k := 0; k < n; k++ {
			if !alive[k] || k == bestA {
				continue
			}
			link[bestA][k] += link[bestB][k]
			link[k][bestA] = link[bestA][k]
		}
	}

	out := make([][]int, 0)
	for i := 0; i < n; i++ {
		if alive[i] {
			out = append(out, groups[i])
		}
	}
	return out
}

func mergeSorted(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
