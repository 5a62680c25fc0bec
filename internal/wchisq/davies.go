package wchisq

import (
	"math"
)

// Davies fault codes.
const (
	FaultNone     = 0
	FaultAccuracy = 1 // required accuracy not achieved within the term limit
	FaultRoundOff = 2 // round-off error possibly significant
	FaultInvalid  = 3 // invalid parameters
	FaultNoParams = 4 // unable to locate integration parameters
)

const (
	log28          = 0.0866 // log(2)/8
	daviesMaxTrace = 7
)

// Davies returns P(Q <= x) for Q = Σ λ_j X_j² by numerical inversion of the
// characteristic function (Davies 1980, algorithm AS 155). acc is the
// requested absolute accuracy and limit bounds the number of integration
// terms. A non-zero fault means the value is unreliable.
func Davies(weights []float64, x, acc float64, limit int) (float64, int) {
	n := make([]int, len(weights))
	nc := make([]float64, len(weights))
	for i := range n {
		n[i] = 1
	}
	cdf, fault, _ := daviesQF(weights, nc, n, 0, x, limit, acc)
	return cdf, fault
}

// abort unwinds the integration when the evaluation counter exceeds the limit.
type abort struct{}

type qf struct {
	lb, nc []float64
	n, th  []int
	r      int

	sigsq, lmax, lmin, mean, c float64
	intl, ersm                 float64
	count, lim                 int
	ndtsrt, fail               bool
}

func square(x float64) float64 { return x * x }

func exp1(x float64) float64 {
	if x < -50 {
		return 0
	}
	return math.Exp(x)
}

// log1 returns log(1+x) if first, else log(1+x)-x, accurately for small x.
func log1(x float64, first bool) float64 {
	if math.Abs(x) > 0.1 {
		if first {
			return math.Log1p(x)
		}
		return math.Log1p(x) - x
	}
	y := x / (2 + x)
	term := 2 * y * y * y
	k := 3.0
	s := -x * y
	if first {
		s = 2 * y
	}
	y = square(y)
	for s1 := s + term/k; s1 != s; s1 = s + term/k {
		k += 2
		term *= y
		s = s1
	}
	return s
}

func (q *qf) counter() {
	q.count++
	if q.count > q.lim {
		panic(abort{})
	}
}

// order sorts weight indices by decreasing absolute value into th.
func (q *qf) order() {
	for j := 0; j < q.r; j++ {
		lj := math.Abs(q.lb[j])
		k := j - 1
		for ; k >= 0; k-- {
			if lj > math.Abs(q.lb[q.th[k]]) {
				q.th[k+1] = q.th[k]
			} else {
				break
			}
		}
		q.th[k+1] = j
	}
	q.ndtsrt = false
}

// errbd bounds the tail probability using the mgf and returns the cutoff.
func (q *qf) errbd(u float64) (float64, float64) {
	q.counter()
	xconst := u * q.sigsq
	sum1 := u * xconst
	u *= 2
	for j := q.r - 1; j >= 0; j-- {
		nj, lj, ncj := float64(q.n[j]), q.lb[j], q.nc[j]
		x := u * lj
		y := 1 - x
		xconst += lj * (ncj/y + nj) / y
		sum1 += ncj*square(x/y) + nj*(square(x)/y+log1(-x, false))
	}
	return exp1(-0.5 * sum1), xconst
}

// ctff finds c such that P(Q > c) < accx if *upn > 0, P(Q < c) < accx otherwise.
func (q *qf) ctff(accx float64, upn *float64) float64 {
	u2 := *upn
	u1 := 0.0
	c1 := q.mean
	rb := 2 * q.lmin
	if u2 > 0 {
		rb = 2 * q.lmax
	}

	var c2 float64
	for u := u2 / (1 + u2*rb); ; u = u2 / (1 + u2*rb) {
		var e float64
		e, c2 = q.errbd(u)
		if e <= accx {
			break
		}
		u1 = u2
		c1 = c2
		u2 *= 2
	}
	for u := (c1 - q.mean) / (c2 - q.mean); u < 0.9; u = (c1 - q.mean) / (c2 - q.mean) {
		u = (u1 + u2) / 2
		e, xconst := q.errbd(u / (1 + u*rb))
		if e > accx {
			u1 = u
			c1 = xconst
		} else {
			u2 = u
			c2 = xconst
		}
	}
	*upn = u2
	return c2
}

// truncation bounds the integration error due to truncation at u.
func (q *qf) truncation(u, tausq float64) float64 {
	q.counter()
	var sum1, prod2, prod3 float64
	s := 0
	sum2 := (q.sigsq + tausq) * square(u)
	prod1 := 2 * sum2
	u *= 2
	for j := 0; j < q.r; j++ {
		lj, ncj, nj := q.lb[j], q.nc[j], q.n[j]
		x := square(u * lj)
		sum1 += ncj * x / (1 + x)
		if x > 1 {
			prod2 += float64(nj) * math.Log(x)
			prod3 += float64(nj) * log1(x, true)
			s += nj
		} else {
			prod1 += float64(nj) * log1(x, true)
		}
	}
	sum1 *= 0.5
	prod2 += prod1
	prod3 += prod1
	x := exp1(-sum1-0.25*prod2) / math.Pi
	y := exp1(-sum1-0.25*prod3) / math.Pi

	err1 := 1.0
	if s != 0 {
		err1 = x * 2 / float64(s)
	}
	err2 := 1.0
	if prod3 > 1 {
		err2 = 2.5 * y
	}
	if err2 < err1 {
		err1 = err2
	}
	x = 0.5 * sum2
	err2 = 1.0
	if x > y {
		err2 = y / x
	}
	return min(err1, err2)
}

// findu finds u such that truncation(u) < accx and truncation(u/1.2) > accx.
func (q *qf) findu(utx *float64, accx float64) {
	divis := [4]float64{2.0, 1.4, 1.2, 1.1}
	ut := *utx
	u := ut / 4
	if q.truncation(u, 0) > accx {
		for u = ut; q.truncation(u, 0) > accx; u = ut {
			ut *= 4
		}
	} else {
		ut = u
		for u = u / 4; q.truncation(u, 0) <= accx; u /= 4 {
			ut = u
		}
	}
	for _, d := range divis {
		u = ut / d
		if q.truncation(u, 0) <= accx {
			ut = u
		}
	}
	*utx = ut
}

// integrate carries out the integration with nterm terms at stepsize interv.
// Unless mainx, the integrand is multiplied by 1-exp(-tausq*u²/2).
func (q *qf) integrate(nterm int, interv, tausq float64, mainx bool) {
	inpi := interv / math.Pi
	for k := nterm; k >= 0; k-- {
		u := (float64(k) + 0.5) * interv
		sum1 := -2 * u * q.c
		sum2 := math.Abs(sum1)
		sum3 := -0.5 * q.sigsq * square(u)
		for j := q.r - 1; j >= 0; j-- {
			nj := float64(q.n[j])
			x := 2 * q.lb[j] * u
			y := square(x)
			sum3 -= 0.25 * nj * log1(y, true)
			y = q.nc[j] * x / (1 + y)
			z := nj*math.Atan(x) + y
			sum1 += z
			sum2 += math.Abs(z)
			sum3 -= 0.5 * x * y
		}
		x := inpi * exp1(sum3) / u
		if !mainx {
			x *= 1 - exp1(-0.5*tausq*square(u))
		}
		q.intl += math.Sin(0.5*sum1) * x
		q.ersm += 0.5 * sum2 * x
	}
}

// cfe is the coefficient of tausq in the error when the convergence factor
// exp(-tausq*u²/2) is used and the distribution is evaluated at x.
func (q *qf) cfe(x float64) float64 {
	q.counter()
	if q.ndtsrt {
		q.order()
	}
	axl := math.Abs(x)
	sxl := -1.0
	if x > 0 {
		sxl = 1.0
	}
	sum1 := 0.0
	for j := q.r - 1; j >= 0; j-- {
		t := q.th[j]
		if q.lb[t]*sxl <= 0 {
			continue
		}
		lj := math.Abs(q.lb[t])
		axl1 := axl - lj*(float64(q.n[t])+q.nc[t])
		axl2 := lj / log28
		if axl1 > axl2 {
			axl = axl1
			continue
		}
		if axl > axl2 {
			axl = axl2
		}
		sum1 = (axl - axl1) / lj
		for k := j - 1; k >= 0; k-- {
			sum1 += float64(q.n[q.th[k]]) + q.nc[q.th[k]]
		}
		break
	}
	if sum1 > 100 {
		q.fail = true
		return 1
	}
	return math.Pow(2, sum1/4) / (math.Pi * square(axl))
}

// daviesQF evaluates P(Σ lb_j χ²(n_j, nc_j) + sigma·N(0,1) <= c). It returns
// the probability (-1 when unavailable), a fault code and the trace vector:
// absolute error sum, total terms, integrations, final interval, truncation
// point, convergence factor sd and evaluation count.
func daviesQF(lb, nc []float64, n []int, sigma, c float64, lim int, acc float64) (qfval float64, fault int, trace [daviesMaxTrace]float64) {
	q := &qf{lb: lb, nc: nc, n: n, r: len(lb), c: c, lim: lim, ndtsrt: true}
	q.th = make([]int, q.r)
	qfval = -1

	defer func() {
		if rec := recover(); rec != nil {
			if _, ok := rec.(abort); !ok {
				panic(rec)
			}
			qfval = -1
			fault = FaultNoParams
		}
		trace[6] = float64(q.count)
	}()

	acc1 := acc
	xlim := float64(lim)

	// find mean, sd, max and min of lb, check that parameter values are valid
	q.sigsq = square(sigma)
	sd := q.sigsq
	for j := 0; j < q.r; j++ {
		nj, lj, ncj := q.n[j], q.lb[j], q.nc[j]
		if nj < 0 || ncj < 0 {
			return -1, FaultInvalid, trace
		}
		sd += square(lj) * (2*float64(nj) + 4*ncj)
		q.mean += lj * (float64(nj) + ncj)
		if q.lmax < lj {
			q.lmax = lj
		} else if q.lmin > lj {
			q.lmin = lj
		}
	}
	if sd == 0 {
		if c > 0 {
			return 1, FaultNone, trace
		}
		return 0, FaultNone, trace
	}
	if q.lmin == 0 && q.lmax == 0 && sigma == 0 {
		return -1, FaultInvalid, trace
	}
	sd = math.Sqrt(sd)
	almx := q.lmax
	if q.lmax < -q.lmin {
		almx = -q.lmin
	}

	// starting values for findu, ctff
	utx := 16 / sd
	up := 4.5 / sd
	un := -up

	// truncation point with no convergence factor
	q.findu(&utx, 0.5*acc1)

	// does convergence factor help
	if c != 0 && almx > 0.07*sd {
		tausq := 0.25 * acc1 / q.cfe(c)
		if q.fail {
			q.fail = false
		} else if q.truncation(utx, tausq) < 0.2*acc1 {
			q.sigsq += tausq
			q.findu(&utx, 0.25*acc1)
			trace[5] = math.Sqrt(tausq)
		}
	}
	trace[4] = utx
	acc1 *= 0.5

	var intv, xnt float64
	for {
		// find range of distribution, quit if outside this
		d1 := q.ctff(acc1, &up) - c
		if d1 < 0 {
			return 1, FaultNone, trace
		}
		d2 := c - q.ctff(acc1, &un)
		if d2 < 0 {
			return 0, FaultNone, trace
		}

		// find integration interval
		intv = 2 * math.Pi / max(d1, d2)

		// number of terms required for main and auxiliary integrations
		xnt = utx / intv
		xntm := 3 / math.Sqrt(acc1)
		if xnt <= xntm*1.5 {
			break
		}

		// parameters for auxiliary integration
		if xntm > xlim {
			return -1, FaultAccuracy, trace
		}
		ntm := int(math.Floor(xntm + 0.5))
		intv1 := utx / float64(ntm)
		x := 2 * math.Pi / intv1
		if x <= math.Abs(c) {
			break
		}

		// calculate convergence factor
		tausq := 0.33 * acc1 / (1.1 * (q.cfe(c-x) + q.cfe(c+x)))
		if q.fail {
			break
		}
		acc1 *= 0.67

		// auxiliary integration
		q.integrate(ntm, intv1, tausq, false)
		xlim -= xntm
		q.sigsq += tausq
		trace[2]++
		trace[1] += float64(ntm + 1)

		// find truncation point with new convergence factor
		q.findu(&utx, 0.25*acc1)
		acc1 *= 0.75
	}

	// main integration
	trace[3] = intv
	if xnt > xlim {
		return -1, FaultAccuracy, trace
	}
	nt := int(math.Floor(xnt + 0.5))
	q.integrate(nt, intv, 0, true)
	trace[2]++
	trace[1] += float64(nt + 1)
	qfval = 0.5 - q.intl
	trace[0] = q.ersm

	// test whether round-off error could be significant;
	// allow for radix 8 or 16 machines
	up = q.ersm
	x := up + acc1/10
	for _, rat := range [4]float64{1, 2, 4, 8} {
		if rat*x == rat*up {
			fault = FaultRoundOff
		}
	}
	return qfval, fault, trace
}
