package meshsetup

import (
	"fmt"
	"math"
	"sort"

	"github.com/notargets/seislts/config"
	"github.com/notargets/seislts/kernels"
	"github.com/notargets/seislts/partitions"
	"github.com/notargets/seislts/plasticity"
	"gonum.org/v1/gonum/spatial/r3"
)

// Build returns the connectivity of the configured mesh: the mesh file when
// one is named, a chain of cells otherwise
func Build(cfg config.Config) (*partitions.MeshConnectivity, error) {
	kind, err := config.ParseFaceKind(cfg.Mesh.Boundary)
	if err != nil {
		return nil, err
	}
	var m *partitions.MeshConnectivity
	if cfg.Mesh.File != "" {
		tm, err := LoadTetMesh(cfg.Mesh.File)
		if err != nil {
			return nil, err
		}
		if m, err = FromTetMesh(tm, cfg); err != nil {
			return nil, err
		}
	} else {
		m = Chain(cfg.Mesh)
	}
	m.SetBoundary(kind)
	if cfg.Plasticity.Enabled {
		m.Plasticity = make([]plasticity.Parameters, m.NumElements)
		for e := range m.Plasticity {
			m.Plasticity[e] = cfg.PlasticityParameters()
		}
	}
	return m, nil
}

// Chain lays out a synthetic chain of cells split into contiguous rank blocks
func Chain(mc config.Mesh) *partitions.MeshConnectivity {
	m := partitions.ChainMesh(mc.Elements)
	for e := range m.EToP {
		m.EToP[e] = e * mc.Ranks / mc.Elements
	}
	if len(mc.Clusters) == mc.Elements {
		copy(m.ClusterOf, mc.Clusters)
	}
	for _, f := range mc.Faults {
		m.AddFault(f.Element, f.Normal)
	}
	return m
}

// FromTetMesh connects, partitions and clusters a tetrahedral mesh
func FromTetMesh(tm *TetMesh, cfg config.Config) (*partitions.MeshConnectivity, error) {
	etoe, etof, err := tm.Connect()
	if err != nil {
		return nil, err
	}
	m := &partitions.MeshConnectivity{
		NumElements: tm.NumElements(),
		EToE:        etoe,
		EToF:        etof,
		EToP:        tm.Partition(cfg.Mesh.Ranks),
	}
	if p := cfg.Mesh.FaultPlane; p != nil {
		m.FaultFaces = tm.FaultFaces(etoe, *p)
	}
	vp := cfg.KernelMaterial().PWaveSpeed()
	m.ClusterOf, err = tm.Clusters(cfg.Simulation.Dt0, cfg.Simulation.Rate, cfg.Mesh.MaxClusters, cfg.Mesh.Courant, vp)
	if err != nil {
		return nil, err
	}
	Normalize(m)
	return m, nil
}

// Partition splits the elements into contiguous blocks along the longest
// extent of the mesh
func (tm *TetMesh) Partition(ranks int) []int {
	K := tm.NumElements()
	centroids := make([]r3.Vec, K)
	lo := r3.Vec{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	hi := r3.Scale(-1, lo)
	for e := range centroids {
		c := tm.Centroid(e)
		centroids[e] = c
		lo = r3.Vec{X: math.Min(lo.X, c.X), Y: math.Min(lo.Y, c.Y), Z: math.Min(lo.Z, c.Z)}
		hi = r3.Vec{X: math.Max(hi.X, c.X), Y: math.Max(hi.Y, c.Y), Z: math.Max(hi.Z, c.Z)}
	}
	ext := r3.Sub(hi, lo)
	key := func(c r3.Vec) float64 { return c.X }
	switch {
	case ext.Y >= ext.X && ext.Y >= ext.Z:
		key = func(c r3.Vec) float64 { return c.Y }
	case ext.Z >= ext.X && ext.Z >= ext.Y:
		key = func(c r3.Vec) float64 { return c.Z }
	}

	order := make([]int, K)
	for e := range order {
		order[e] = e
	}
	sort.SliceStable(order, func(i, j int) bool { return key(centroids[order[i]]) < key(centroids[order[j]]) })
	etop := make([]int, K)
	for i, e := range order {
		etop[e] = i * ranks / K
	}
	return etop
}

// StableStep is the largest step width of an element
func (tm *TetMesh) StableStep(e int, courant, vp float64) float64 {
	return courant * 2 * tm.Inradius(e) / vp
}

// Clusters puts every element in the slowest cluster whose step width is
// still stable, capped at maxClusters-1
func (tm *TetMesh) Clusters(dt0 float64, rate, maxClusters int, courant, vp float64) ([]int, error) {
	clusters := make([]int, tm.NumElements())
	for e := range clusters {
		stable := tm.StableStep(e, courant, vp)
		if dt0 > stable*(1+1e-12) {
			return nil, &partitions.ConfigError{Cluster: 0, Cell: e, Face: -1,
				Reason: fmt.Sprintf("dt0 %g exceeds the stable step %g", dt0, stable)}
		}
		c := 0
		if rate > 1 {
			c = int(math.Floor(math.Log(stable/dt0)/math.Log(float64(rate)) + 1e-12))
		}
		clusters[e] = min(max(c, 0), maxClusters-1)
	}
	return clusters, nil
}

// FaultFaces returns the interior faces whose vertices all lie in the plane.
// The plus side is the element whose outward normal agrees with the plane
// normal.
func (tm *TetMesh) FaultFaces(etoe [][]int, p config.Plane) []partitions.FaultFaceSpec {
	n := r3.Unit(r3.Vec{X: p.Normal[0], Y: p.Normal[1], Z: p.Normal[2]})
	origin := r3.Vec{X: p.Point[0], Y: p.Point[1], Z: p.Point[2]}
	tol := p.Tolerance
	if tol <= 0 {
		tol = 1e-9 * tm.extent()
	}
	var faults []partitions.FaultFaceSpec
	for e := range tm.EToV {
		for f := 0; f < kernels.NumFaces; f++ {
			if etoe[e][f] == e {
				continue
			}
			onPlane := true
			for _, lv := range faceVertices[f] {
				if math.Abs(r3.Dot(r3.Sub(tm.vertex(e, lv), origin), n)) > tol {
					onPlane = false
					break
				}
			}
			out := tm.OutwardNormal(e, f)
			if !onPlane || r3.Dot(out, n) <= 0 {
				continue
			}
			faults = append(faults, partitions.FaultFaceSpec{
				Element: e, Face: f, Normal: [3]float64{out.X, out.Y, out.Z},
			})
		}
	}
	return faults
}

func (tm *TetMesh) extent() float64 {
	lo, hi := tm.Vertices[0], tm.Vertices[0]
	for _, v := range tm.Vertices {
		lo = r3.Vec{X: math.Min(lo.X, v.X), Y: math.Min(lo.Y, v.Y), Z: math.Min(lo.Z, v.Z)}
		hi = r3.Vec{X: math.Max(hi.X, v.X), Y: math.Max(hi.Y, v.Y), Z: math.Max(hi.Z, v.Z)}
	}
	return r3.Norm(r3.Sub(hi, lo))
}

// Normalize lowers cluster ids until neighbors differ by at most one level,
// both sides of a fault share a cluster and no cell has both a faster and a
// slower neighbor. Ids only decrease, so the loop ends.
func Normalize(m *partitions.MeshConnectivity) {
	fault := make(map[[2]int]bool, len(m.FaultFaces))
	for _, ff := range m.FaultFaces {
		fault[[2]int{ff.Element, ff.Face}] = true
		n, nf := m.EToE[ff.Element][ff.Face], m.EToF[ff.Element][ff.Face]
		fault[[2]int{n, nf}] = true
	}
	c := m.ClusterOf
	for changed := true; changed; {
		changed = false
		lower := func(e, to int) {
			if c[e] > to {
				c[e] = to
				changed = true
			}
		}
		for e := 0; e < m.NumElements; e++ {
			faster := false
			for f, n := range m.EToE[e] {
				if n < 0 || n == e {
					continue
				}
				lower(e, c[n]+1)
				if fault[[2]int{e, f}] {
					lower(e, c[n])
				}
				faster = faster || c[n] < c[e]
			}
			if !faster {
				continue
			}
			for _, n := range m.EToE[e] {
				if n >= 0 && n != e {
					lower(n, c[e])
				}
			}
		}
	}
}

// NumClusters returns one more than the largest cluster id
func NumClusters(m *partitions.MeshConnectivity) int {
	n := 0
	for _, c := range m.ClusterOf {
		n = max(n, c+1)
	}
	return n
}
