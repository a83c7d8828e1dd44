package pointcloud

// Merge appends every point of clouds to dst in argument order. dst is grown once to
// the summed size of the non-nil clouds, which is returned so the caller can check
// dst.Size() against it. Nil clouds contribute nothing.
func Merge(dst *PointCloud, clouds ...*PointCloud) int {
	expected := dst.Size()
	for _, cloud := range clouds {
		expected += cloud.Size()
	}
	dst.Grow(expected - dst.Size())

	for _, cloud := range clouds {
		if cloud == nil {
			continue
		}
		dst.points = append(dst.points, cloud.points...)
		if cloud.Size() > 0 {
			dst.meta.mergeMeta(cloud.meta)
		}
	}
	return expected
}

func (meta *MetaData) mergeMeta(other MetaData) {
	meta.Tiles |= other.Tiles
	meta.MinX = min(meta.MinX, other.MinX)
	meta.MinY = min(meta.MinY, other.MinY)
	meta.MinZ = min(meta.MinZ, other.MinZ)
	meta.MaxX = max(meta.MaxX, other.MaxX)
	meta.MaxY = max(meta.MaxY, other.MaxY)
	meta.MaxZ = max(meta.MaxZ, other.MaxZ)
}
