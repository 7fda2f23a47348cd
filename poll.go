package sdboot

// poll calls fn until it reports done or budget attempts have been made, and
// returns the number of attempts used. Every wait in the package goes through
// here, so nothing spins without a ceiling. An error from fn ends the poll at
// once; running out of attempts yields a *TimeoutError.
func poll(op string, budget int, fn func() (bool, error)) (int, error) {
	for i := 1; i <= budget; i++ {
		done, err := fn()
		if err != nil {
			return i, err
		}
		if done {
			return i, nil
		}
	}
	if budget < 0 {
		budget = 0
	}
	return budget, &TimeoutError{Op: op, Budget: budget}
}
