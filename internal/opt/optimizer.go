package opt

// GlobalOptimizer searches a bounded box for the minimum of an objective
// without derivatives. It is used for optional pre-search before the local
// relaxation.
type GlobalOptimizer interface {
	// Run executes the optimization
	// eval: objective function to minimize
	// lower, upper: parameter bounds
	// dim: dimensionality of parameter space
	// Returns: best parameters and best cost
	Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64, error)
}
