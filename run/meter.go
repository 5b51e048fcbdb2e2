package run

// AverageMeter keeps a running, count-weighted average.
type AverageMeter struct {
	Sum   float64
	Count int
}

func (a *AverageMeter) Update(val float64, n int) {
	a.Sum += val * float64(n)
	a.Count += n
}

func (a *AverageMeter) Avg() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}
