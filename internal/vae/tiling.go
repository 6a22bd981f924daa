package vae

import (
	"context"
	"fmt"

	"github.com/samcharles93/redilate/internal/tensor"
)

// TilingConfig holds configuration for tiled decoding.
type TilingConfig struct {
	TileSize int // tile size in latent pixels (64 latent -> 512 pixels for an 8x decoder)
	Overlap  int // overlap in latent pixels (16 = 25% of 64)
}

// DefaultTilingConfig matches diffusers: tile_latent_min_size=64,
// tile_overlap_factor=0.25.
func DefaultTilingConfig() TilingConfig {
	return TilingConfig{TileSize: 64, Overlap: 16}
}

// Validate checks that tiles advance.
func (c TilingConfig) Validate() error {
	if c.TileSize <= 0 {
		return fmt.Errorf("tile size %d must be positive", c.TileSize)
	}
	if c.Overlap < 0 || c.Overlap >= c.TileSize {
		return fmt.Errorf("tile overlap %d must be in [0, %d)", c.Overlap, c.TileSize)
	}
	return nil
}

// DecodeFunc decodes an NCHW latent tile into an NCHW image tile that is
// scale times larger in each spatial dimension.
type DecodeFunc func(ctx context.Context, z *tensor.Tensor) (*tensor.Tensor, error)

type decodedTile struct {
	t    *tensor.Tensor
	h, w int
}

// DecodeTiled decodes latents using overlapping tiles with linear blending.
// Latents no larger than one tile are decoded directly.
func DecodeTiled(ctx context.Context, latents *tensor.Tensor, cfg TilingConfig, scale int, decode DecodeFunc) (*tensor.Tensor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	_, _, H, W, err := latents.NCHW()
	if err != nil {
		return nil, err
	}
	if H <= cfg.TileSize && W <= cfg.TileSize {
		return decode(ctx, latents)
	}

	stride := cfg.TileSize - cfg.Overlap
	tileSample := cfg.TileSize * scale
	blendExtent := cfg.Overlap * scale
	rowLimit := tileSample - blendExtent

	// decode all tiles
	var rows [][]decodedTile
	for i := 0; i < H; i += stride {
		var row []decodedTile
		for j := 0; j < W; j += stride {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			i2 := min(i+cfg.TileSize, H)
			j2 := min(j+cfg.TileSize, W)
			tile, err := tensor.Crop(latents, i, j, i2-i, j2-j)
			if err != nil {
				return nil, err
			}
			dec, err := decode(ctx, tile)
			if err != nil {
				return nil, fmt.Errorf("decode tile (%d, %d): %w", i, j, err)
			}
			_, _, th, tw, err := dec.NCHW()
			if err != nil {
				return nil, err
			}
			row = append(row, decodedTile{t: dec, h: th, w: tw})
		}
		rows = append(rows, row)
	}

	// blend in place with the tile above and to the left
	for i := range rows {
		for j := range rows[i] {
			if i > 0 {
				blendV(&rows[i-1][j], &rows[i][j], blendExtent)
			}
			if j > 0 {
				blendH(&rows[i][j-1], &rows[i][j], blendExtent)
			}
		}
	}

	colWidths := make([]int, len(rows[0]))
	for j := range rows[0] {
		keep := rowLimit
		if (j+1)*stride >= W {
			keep = rows[0][j].w
		}
		colWidths[j] = keep
	}
	rowHeights := make([]int, len(rows))
	for i := range rows {
		keep := rowLimit
		if (i+1)*stride >= H {
			keep = rows[i][0].h
		}
		rowHeights[i] = keep
	}
	var totalW, totalH int
	for _, w := range colWidths {
		totalW += w
	}
	for _, h := range rowHeights {
		totalH += h
	}

	first := rows[0][0].t
	n, c := first.Shape[0], first.Shape[1]
	out := tensor.New(n, c, totalH, totalW)
	dstY := 0
	for i, row := range rows {
		dstX := 0
		for j, tile := range row {
			for p := 0; p < n*c; p++ {
				src := tile.t.Data[p*tile.h*tile.w:]
				dst := out.Data[p*totalH*totalW:]
				for y := 0; y < rowHeights[i]; y++ {
					copy(dst[(dstY+y)*totalW+dstX:(dstY+y)*totalW+dstX+colWidths[j]],
						src[y*tile.w:y*tile.w+colWidths[j]])
				}
			}
			dstX += colWidths[j]
		}
		dstY += rowHeights[i]
	}
	return out, nil
}

// blendV fades the bottom rows of above into the top rows of cur.
func blendV(above, cur *decodedTile, extent int) {
	blend := min(extent, above.h, cur.h)
	if blend <= 0 {
		return
	}
	w := min(above.w, cur.w)
	planes := cur.t.Shape[0] * cur.t.Shape[1]
	for p := 0; p < planes; p++ {
		a := above.t.Data[p*above.h*above.w:]
		b := cur.t.Data[p*cur.h*cur.w:]
		for y := 0; y < blend; y++ {
			alpha := float32(y) / float32(blend)
			for x := 0; x < w; x++ {
				ai := (above.h-blend+y)*above.w + x
				bi := y*cur.w + x
				b[bi] = a[ai]*(1-alpha) + b[bi]*alpha
			}
		}
	}
}

// blendH fades the right columns of left into the left columns of cur.
func blendH(left, cur *decodedTile, extent int) {
	blend := min(extent, left.w, cur.w)
	if blend <= 0 {
		return
	}
	h := min(left.h, cur.h)
	planes := cur.t.Shape[0] * cur.t.Shape[1]
	for p := 0; p < planes; p++ {
		a := left.t.Data[p*left.h*left.w:]
		b := cur.t.Data[p*cur.h*cur.w:]
		for y := 0; y < h; y++ {
			for x := 0; x < blend; x++ {
				alpha := float32(x) / float32(blend)
				ai := y*left.w + (left.w - blend + x)
				bi := y*cur.w + x
				b[bi] = a[ai]*(1-alpha) + b[bi]*alpha
			}
		}
	}
}
