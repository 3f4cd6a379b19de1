package fht

import "github.com/cwbudde/algo-vecmath"

// Convolve writes into dst the Hartley spectrum of the circular convolution of
// the signals whose spectra are a and b. dst may alias a or b.
func Convolve(dst, a, b []float64) error {
	n := len(a)
	if err := checkLen(n, dst, b); err != nil || n == 0 {
		return err
	}

	for k := 0; k <= n/2; k++ {
		j := (n - k) % n
		ak, aj := a[k], a[j]
		bk, bj := b[k], b[j]

		dst[k] = 0.5 * (ak*(bk+bj) + aj*(bk-bj))
		dst[j] = 0.5 * (aj*(bj+bk) + ak*(bj-bk))
	}

	return nil
}

// Split decomposes a spectrum h into its even part (h[k]+h[-k])/2 and odd
// part (h[k]-h[-k])/2. Either output may alias h.
func Split(even, odd, h []float64) error {
	n := len(h)
	if err := checkLen(n, even, odd); err != nil || n == 0 {
		return err
	}

	for k := 0; k <= n/2; k++ {
		j := (n - k) % n
		hk, hj := h[k], h[j]

		even[k], even[j] = 0.5*(hk+hj), 0.5*(hk+hj)
		odd[k], odd[j] = 0.5*(hk-hj), 0.5*(hj-hk)
	}

	return nil
}

// Reverse writes x[-k mod n] into dst[k]. dst may alias x.
func Reverse(dst, x []float64) error {
	n := len(x)
	if err := checkLen(n, dst); err != nil || n == 0 {
		return err
	}

	for k := 0; k <= n/2; k++ {
		j := (n - k) % n
		dst[k], dst[j] = x[j], x[k]
	}

	return nil
}

// MulAcc adds the product of spectrum x with a split spectrum to acc:
//
//	acc[k] += x[k]·even[k] + xr[k]·odd[k]
//
// where xr is Reverse(x). With even, odd = Split(y) the added term equals
// Convolve(x, y).
func MulAcc(acc, x, xr, even, odd []float64) error {
	if err := checkLen(len(acc), x, xr, even, odd); err != nil {
		return err
	}

	vecmath.MulAddBlock(acc, x, even, acc)
	vecmath.MulAddBlock(acc, xr, odd, acc)

	return nil
}
