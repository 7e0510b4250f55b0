package service

// Plans is the plan catalog: base minutes and price per plan code.
type Plans struct {
	Durations map[string]int
	Prices    map[string]int64
}

func (p Plans) Duration(code string) (int, bool) {
	minutes, ok := p.Durations[code]
	return minutes, ok && minutes > 0
}

func (p Plans) Price(code string) (int64, bool) {
	price, ok := p.Prices[code]
	return price, ok
}
