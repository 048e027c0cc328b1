package kvm

import "unsafe"

// MaxMSRIndices bounds the fixed-size index array KVM_GET_MSR_INDEX_LIST
// exchanges.
const MaxMSRIndices = 100

// MSRList is the set of supported MSR indices returned by
// GetMSRIndexList. It varies by KVM version and host processor, but
// not otherwise.
type MSRList struct {
	NMSRs   uint32
	Indices [MaxMSRIndices]uint32
}

// GetMSRIndexList returns the guest MSRs this host/kernel combination
// supports.
func GetMSRIndexList(kvmFd uintptr) (MSRList, error) {
	list := MSRList{NMSRs: MaxMSRIndices}
	// The request number encodes only the 4-byte nmsrs header, as
	// <linux/kvm.h> declares struct kvm_msr_list.
	_, err := Ioctl(kvmFd, IIOWR(uintptr(kvmGetMSRIndexList), 4), uintptr(unsafe.Pointer(&list)))

	return list, err
}
