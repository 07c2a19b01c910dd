// Command sdxl_bench benchmarks one SDXL pipeline configuration. UNet and
// VAE projections are fused together and VAE compilation covers the whole
// module.
package main

import (
	"github.com/23skdu/longbow-diffbench/internal/cli"
	"github.com/23skdu/longbow-diffbench/internal/config"
)

func main() {
	cli.Main(config.VariantFused)
}
