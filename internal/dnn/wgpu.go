package dnn

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-webgpu/webgpu/wgpu"
	"k8s.io/klog/v2"
)

// WebGPUBinding answers the gate's device questions through a one-shot
// WebGPU adapter probe. Hosts without the native library, or without any
// adapter, report no bound device rather than failing.
type WebGPUBinding struct {
	device string
	cap    string
}

// NewWebGPUBinding probes the adapter and captures the result.
func NewWebGPUBinding() *WebGPUBinding {
	dev, cc := probeAdapter()
	return &WebGPUBinding{device: dev, cap: cc}
}

// Device implements DeviceBinding.
func (b *WebGPUBinding) Device() string { return b.device }

// ComputeCapability implements DeviceBinding.
func (b *WebGPUBinding) ComputeCapability() string { return b.cap }

var smRe = regexp.MustCompile(`sm_\d+`)

func probeAdapter() (device, cc string) {
	// Recover from panic if the wgpu native library is not found.
	defer func() {
		if r := recover(); r != nil {
			klog.V(1).Infof("dnn: webgpu probe unavailable: %v", r)
			device, cc = "", ""
		}
	}()

	instance, err := wgpu.CreateInstance(nil)
	if err != nil || instance == nil {
		klog.V(1).Infof("dnn: webgpu instance unavailable: %v", err)
		return "", ""
	}
	defer instance.Release()

	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		klog.V(1).Infof("dnn: no webgpu adapter: %v", err)
		return "", ""
	}
	defer adapter.Release()

	info, err := adapter.GetInfo()
	if err != nil {
		klog.V(1).Infof("dnn: webgpu adapter info unavailable: %v", err)
		return "", ""
	}
	desc := strings.ToLower(fmt.Sprintf("%s %s", info.Device, info.Vendor))
	if strings.Contains(desc, "nvidia") || strings.Contains(desc, requiredDeviceFamily) {
		device = requiredDeviceFamily + "0"
	} else {
		device = strings.Fields(desc + " gpu")[0]
	}
	if m := smRe.FindString(desc); m != "" {
		cc = m
	} else {
		// The adapter does not report a compute-capability string; assume
		// the minimum the gate accepts and let the session probe decide.
		cc = fmt.Sprintf("sm_%d", minComputeCapability)
	}
	return device, cc
}
