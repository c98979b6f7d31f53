// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gomlx_fusion applies graph fusion passes to graphs stored in YAML (see package irio).
//
// Usage:
//
//	gomlx_fusion run model.yaml --out=model_fused.yaml
//	gomlx_fusion run --passes=MulAddFusion,L2NormalizeFusion --driver-fixpoint *.yaml --out-dir=fused/
//	gomlx_fusion passes
//	gomlx_fusion platform --platform-target=static --platform-memory=UB=256KiB --platform-features=FP16
//
// Configuration can also be given in a gomlx_fusion.yaml file (see --config) or with GOMLX_FUSION_*
// environment variables.
package main

import (
	"os"

	"k8s.io/klog/v2"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}
