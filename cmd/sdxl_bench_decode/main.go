// Command sdxl_bench_decode benchmarks one SDXL pipeline configuration with
// VAE fusion behind its own flag and only the VAE decoder compiled.
package main

import (
	"github.com/23skdu/longbow-diffbench/internal/cli"
	"github.com/23skdu/longbow-diffbench/internal/config"
)

func main() {
	cli.Main(config.VariantDecode)
}
