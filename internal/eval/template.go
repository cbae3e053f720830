package eval

import "fmt"

const defaultYAML = `unit: inference
provider: aws
resources:
  - kind: Network
    name: vpc
    properties:
      cidr: 10.0.0.0/16
      maxAzs: 2
      natGateways: 1
  - kind: Cluster
    name: cluster
    properties:
      clusterName: inference-cluster
      vpcId: ref://vpc/vpcId
  - kind: CapacityPool
    name: pool
    properties:
      cluster: ref://cluster/clusterName
      instanceClass: t3.medium
      minCount: 1
      maxCount: 2
      desiredCount: 1
      subnets: ref://vpc/privateSubnets
  - kind: ScalingPolicy
    name: pool-scaling
    properties:
      target: pool
      targetUtilizationPercent: 30
      scaleInCooldown: 30m
      scaleOutCooldown: 2m
      minCapacity: 1
      maxCapacity: 2
  - kind: Image
    name: image
    properties:
      repository: inference-service
      tag: latest
      buildContext: ../
  - kind: Deployment
    name: service
    dependsOn: [pool]
    properties:
      cluster: ref://cluster/clusterName
      image: ref://image/imageUri
      containerPort: 8000
      cpuUnits: 1024
      memoryMiB: 2048
      desiredReplicas: 1
      launchType: FARGATE
      assignPublicIp: true
      environment:
        PYTHONUNBUFFERED: "1"
      vpcId: ref://vpc/vpcId
      publicSubnets: ref://vpc/publicSubnets
      subnets: ref://vpc/privateSubnets
      capacity:
        instanceClass: ref://pool/instanceClass
        maxCount: ref://pool/maxCount
  - kind: ScalingPolicy
    name: service-scaling
    properties:
      target: service
      targetUtilizationPercent: 70
      scaleInCooldown: 60s
      scaleOutCooldown: 60s
      minCapacity: 1
      maxCapacity: 4
  - kind: Output
    name: endpoint
    properties:
      key: LoadBalancerDNS
      dnsName: ref://service/dnsName
      healthRef: ref://service/healthRef
      waitTimeout: 10m
`

const defaultPKL = `unit = "inference"
provider = "aws"

resources = new Listing {
  new {
    kind = "Network"
    name = "vpc"
    properties = new Mapping {
      ["cidr"] = "10.0.0.0/16"
      ["maxAzs"] = 2
      ["natGateways"] = 1
    }
  }
  new {
    kind = "Cluster"
    name = "cluster"
    properties = new Mapping {
      ["clusterName"] = "inference-cluster"
      ["vpcId"] = "ref://vpc/vpcId"
    }
  }
  new {
    kind = "CapacityPool"
    name = "pool"
    properties = new Mapping {
      ["cluster"] = "ref://cluster/clusterName"
      ["instanceClass"] = "t3.medium"
      ["minCount"] = 1
      ["maxCount"] = 2
      ["desiredCount"] = 1
      ["subnets"] = "ref://vpc/privateSubnets"
    }
  }
  new {
    kind = "ScalingPolicy"
    name = "pool-scaling"
    properties = new Mapping {
      ["target"] = "pool"
      ["targetUtilizationPercent"] = 30
      ["scaleInCooldown"] = 30.min
      ["scaleOutCooldown"] = 2.min
      ["minCapacity"] = 1
      ["maxCapacity"] = 2
    }
  }
  new {
    kind = "Image"
    name = "image"
    properties = new Mapping {
      ["repository"] = "inference-service"
      ["tag"] = "latest"
      ["buildContext"] = "../"
    }
  }
  new {
    kind = "Deployment"
    name = "service"
    dependsOn = new Listing { "pool" }
    properties = new Mapping {
      ["cluster"] = "ref://cluster/clusterName"
      ["image"] = "ref://image/imageUri"
      ["containerPort"] = 8000
      ["cpuUnits"] = 1024
      ["memoryMiB"] = 2048
      ["desiredReplicas"] = 1
      ["launchType"] = "FARGATE"
      ["assignPublicIp"] = true
      ["environment"] = new Mapping { ["PYTHONUNBUFFERED"] = "1" }
      ["vpcId"] = "ref://vpc/vpcId"
      ["publicSubnets"] = "ref://vpc/publicSubnets"
      ["subnets"] = "ref://vpc/privateSubnets"
      ["capacity"] = new Mapping {
        ["instanceClass"] = "ref://pool/instanceClass"
        ["maxCount"] = "ref://pool/maxCount"
      }
    }
  }
  new {
    kind = "ScalingPolicy"
    name = "service-scaling"
    properties = new Mapping {
      ["target"] = "service"
      ["targetUtilizationPercent"] = 70
      ["scaleInCooldown"] = 60.s
      ["scaleOutCooldown"] = 60.s
      ["minCapacity"] = 1
      ["maxCapacity"] = 4
    }
  }
  new {
    kind = "Output"
    name = "endpoint"
    properties = new Mapping {
      ["key"] = "LoadBalancerDNS"
      ["dnsName"] = "ref://service/dnsName"
      ["healthRef"] = "ref://service/healthRef"
      ["waitTimeout"] = 10.min
    }
  }
}
`

// DefaultDocument returns the starter provisioning document for format
// ("pkl" or "yaml") and the file name it is written to.
func DefaultDocument(format string) (filename string, content []byte, err error) {
	switch format {
	case "pkl", "":
		return "main.pkl", []byte(defaultPKL), nil
	case "yaml", "yml":
		return "main.yaml", []byte(defaultYAML), nil
	}
	return "", nil, fmt.Errorf("unknown document format %q: want pkl or yaml", format)
}
