package mesh

import (
	"math"
	"sync"
)

// Triangle is one facet of the extracted surface
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

// cubeCorners are the unit cube corners in the order the tetrahedra refer to them
var cubeCorners = [8][3]int{
	{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0},
	{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1},
}

// cubeTetrahedra splits a cube into six tetrahedra around the 0-6 diagonal.
// Neighbouring cubes split shared faces the same way, so the surface is closed.
var cubeTetrahedra = [6][4]int{
	{0, 5, 1, 6},
	{0, 1, 2, 6},
	{0, 2, 3, 6},
	{0, 3, 7, 6},
	{0, 7, 4, 6},
	{0, 4, 5, 6},
}

// MarchingTetrahedra extracts the iso-surface of a scalar volume stored as a
// flat array with x fastest, then y, then z.
type MarchingTetrahedra struct {
	data                   []float64
	width, height, depth   int
	isoLevel               float64
	xScale, yScale, zScale float32
	numWorkers             int
}

// NewMarchingTetrahedra prepares surface extraction at isoLevel. Voxels at or
// above the iso level are inside the surface.
func NewMarchingTetrahedra(data []float64, width, height, depth int, isoLevel float64) *MarchingTetrahedra {
	return &MarchingTetrahedra{
		data:       data,
		width:      width,
		height:     height,
		depth:      depth,
		isoLevel:   isoLevel,
		xScale:     1,
		yScale:     1,
		zScale:     1,
		numWorkers: 1,
	}
}

// SetScale sets the physical voxel size applied to every vertex
func (m *MarchingTetrahedra) SetScale(x, y, z float32) {
	m.xScale, m.yScale, m.zScale = x, y, z
}

// SetWorkers sets how many goroutines share the z range
func (m *MarchingTetrahedra) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	m.numWorkers = n
}

// GenerateTriangles walks every cube of the volume. Output order is
// independent of the number of workers.
func (m *MarchingTetrahedra) GenerateTriangles() []Triangle {
	cubesZ := m.depth - 1
	if m.width < 2 || m.height < 2 || cubesZ < 1 {
		return nil
	}

	workers := m.numWorkers
	if workers > cubesZ {
		workers = cubesZ
	}
	perWorker := (cubesZ + workers - 1) / workers
	parts := make([][]Triangle, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			start := w * perWorker
			end := start + perWorker
			if end > cubesZ {
				end = cubesZ
			}
			var out []Triangle
			for z := start; z < end; z++ {
				for y := 0; y < m.height-1; y++ {
					for x := 0; x < m.width-1; x++ {
						out = m.polygoniseCube(x, y, z, out)
					}
				}
			}
			parts[w] = out
		}(w)
	}
	wg.Wait()

	var triangles []Triangle
	for _, p := range parts {
		triangles = append(triangles, p...)
	}
	return triangles
}

func (m *MarchingTetrahedra) value(x, y, z int) float64 {
	return m.data[z*m.width*m.height+y*m.width+x]
}

func (m *MarchingTetrahedra) polygoniseCube(x, y, z int, out []Triangle) []Triangle {
	var pos [8][3]float64
	var val [8]float64
	inside := 0
	for i, c := range cubeCorners {
		pos[i] = [3]float64{float64(x + c[0]), float64(y + c[1]), float64(z + c[2])}
		val[i] = m.value(x+c[0], y+c[1], z+c[2])
		if val[i] >= m.isoLevel {
			inside++
		}
	}
	if inside == 0 || inside == 8 {
		return out
	}

	for _, tet := range cubeTetrahedra {
		var in, outside []int
		for _, c := range tet {
			if val[c] >= m.isoLevel {
				in = append(in, c)
			} else {
				outside = append(outside, c)
			}
		}

		switch len(in) {
		case 1, 3:
			// one corner differs from the other three
			var apex int
			var base []int
			if len(in) == 1 {
				apex, base = in[0], outside
			} else {
				apex, base = outside[0], in
			}
			a := m.edgePoint(pos, val, apex, base[0])
			b := m.edgePoint(pos, val, apex, base[1])
			c := m.edgePoint(pos, val, apex, base[2])
			out = m.emit(out, a, b, c, pos, in, outside)
		case 2:
			// the surface crosses four edges forming a quad ac, ad, bd, bc
			a, b := in[0], in[1]
			c, d := outside[0], outside[1]
			ac := m.edgePoint(pos, val, a, c)
			ad := m.edgePoint(pos, val, a, d)
			bd := m.edgePoint(pos, val, b, d)
			bc := m.edgePoint(pos, val, b, c)
			out = m.emit(out, ac, ad, bd, pos, in, outside)
			out = m.emit(out, ac, bd, bc, pos, in, outside)
		}
	}
	return out
}

// edgePoint interpolates the iso crossing on the edge between corners i and j
func (m *MarchingTetrahedra) edgePoint(pos [8][3]float64, val [8]float64, i, j int) [3]float64 {
	t := 0.5
	if d := val[j] - val[i]; d != 0 {
		t = (m.isoLevel - val[i]) / d
	}
	return [3]float64{
		pos[i][0] + t*(pos[j][0]-pos[i][0]),
		pos[i][1] + t*(pos[j][1]-pos[i][1]),
		pos[i][2] + t*(pos[j][2]-pos[i][2]),
	}
}

// emit appends a scaled triangle whose normal points from the inside corners
// towards the outside corners. Zero-area triangles, which appear when a corner
// sits exactly on the iso level, are dropped.
func (m *MarchingTetrahedra) emit(out []Triangle, a, b, c [3]float64, pos [8][3]float64, in, outside []int) []Triangle {
	n := cross(sub(b, a), sub(c, a))
	if dot(n, n) == 0 {
		return out
	}
	dir := sub(centroid(pos, outside), centroid(pos, in))
	if dot(n, dir) < 0 {
		b, c = c, b
		n = [3]float64{-n[0], -n[1], -n[2]}
	}

	// normals follow the scaled geometry
	sx, sy, sz := float64(m.xScale), float64(m.yScale), float64(m.zScale)
	n = [3]float64{n[0] * sy * sz, n[1] * sx * sz, n[2] * sx * sy}
	if l := math.Sqrt(dot(n, n)); l > 0 {
		n = [3]float64{n[0] / l, n[1] / l, n[2] / l}
	}

	return append(out, Triangle{
		Normal:  [3]float32{float32(n[0]), float32(n[1]), float32(n[2])},
		Vertex1: m.scaled(a),
		Vertex2: m.scaled(b),
		Vertex3: m.scaled(c),
	})
}

func (m *MarchingTetrahedra) scaled(p [3]float64) [3]float32 {
	return [3]float32{float32(p[0]) * m.xScale, float32(p[1]) * m.yScale, float32(p[2]) * m.zScale}
}

func centroid(pos [8][3]float64, corners []int) [3]float64 {
	var c [3]float64
	for _, i := range corners {
		c[0] += pos[i][0]
		c[1] += pos[i][1]
		c[2] += pos[i][2]
	}
	k := float64(len(corners))
	return [3]float64{c[0] / k, c[1] / k, c[2] / k}
}

func sub(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}
