// Command infra deploys the AWS side of vcall: an IoT policy scoped to the
// signaling topics, a Cognito identity pool for anonymous broker access, a
// coturn relay and the ice-config Lambda that issues TURN credentials.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsapigatewayv2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsapigatewayv2integrations"
	"github.com/aws/aws-cdk-go/awscdk/v2/awscognito"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsec2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsiam"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsiot"
	"github.com/aws/aws-cdk-go/awscdk/v2/awslambda"
	"github.com/aws/aws-cdk-go/awscdk/v2/awssecretsmanager"
	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"
)

const (
	defaultNamespace = "vchat"
	turnRealm        = "vcall.local"
	turnTTL          = "12h"
)

var stunURIs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type VcallStackProps struct {
	awscdk.StackProps
	// Namespace is the topic prefix clients publish under.
	Namespace string
}

func main() {
	defer jsii.Close()

	app := awscdk.NewApp(nil)

	ns := os.Getenv("VCALL_NAMESPACE")
	if ns == "" {
		ns = defaultNamespace
	}
	NewVcallStack(app, "VcallStack", &VcallStackProps{
		StackProps: awscdk.StackProps{Env: env()},
		Namespace:  ns,
	})

	app.Synth(nil)
}

// topicResources returns the IoT ARNs for the namespace's topics.
func topicResources(namespace string) (topics, filters []string) {
	return []string{fmt.Sprintf("arn:aws:iot:*:*:topic/%s/*", namespace)},
		[]string{fmt.Sprintf("arn:aws:iot:*:*:topicfilter/%s/*", namespace)}
}

func signalingStatements(namespace string) []map[string]interface{} {
	topics, filters := topicResources(namespace)
	return []map[string]interface{}{
		{
			"Effect":   "Allow",
			"Action":   []string{"iot:Connect"},
			"Resource": []string{"arn:aws:iot:*:*:client/*"},
		},
		{
			"Effect":   "Allow",
			"Action":   []string{"iot:Publish", "iot:Receive"},
			"Resource": topics,
		},
		{
			"Effect":   "Allow",
			"Action":   []string{"iot:Subscribe"},
			"Resource": filters,
		},
	}
}

func turnConfig() []string {
	return []string{
		"listening-port=3478",
		"tls-listening-port=5349",
		"listening-ip=0.0.0.0",
		"min-port=49152",
		"max-port=65535",
		"realm=" + turnRealm,
		"use-auth-secret",
		// Video needs more headroom than the file relay did.
		"max-bps=4000000",
		"user-quota=20",
	}
}

func NewVcallStack(scope constructs.Construct, id string, props *VcallStackProps) awscdk.Stack {
	var sprops awscdk.StackProps
	ns := defaultNamespace
	if props != nil {
		sprops = props.StackProps
		if props.Namespace != "" {
			ns = props.Namespace
		}
	}
	stack := awscdk.NewStack(scope, &id, &sprops)

	// Broker policy for device certificates.
	awsiot.NewCfnPolicy(stack, jsii.String("SignalingPolicy"), &awsiot.CfnPolicyProps{
		PolicyName: jsii.String("VcallSignalingPolicy"),
		PolicyDocument: map[string]interface{}{
			"Version":   "2012-10-17",
			"Statement": signalingStatements(ns),
		},
	})

	awscdk.NewCfnOutput(stack, jsii.String("IotEndpoint"), &awscdk.CfnOutputProps{
		Value: jsii.String("Run 'aws iot describe-endpoint --endpoint-type iot:Data-ATS' and set broker.iot_endpoint"),
	})

	// Relay
	vpc := awsec2.NewVpc(stack, jsii.String("VcallVpc"), &awsec2.VpcProps{
		MaxAzs: jsii.Number(2),
		SubnetConfiguration: &[]*awsec2.SubnetConfiguration{
			{
				Name:       jsii.String("Public"),
				SubnetType: awsec2.SubnetType_PUBLIC,
				CidrMask:   jsii.Number(24),
			},
		},
		NatGateways: jsii.Number(0),
	})

	turnSg := awsec2.NewSecurityGroup(stack, jsii.String("TurnSg"), &awsec2.SecurityGroupProps{
		Vpc:              vpc,
		Description:      jsii.String("Allow TURN traffic"),
		AllowAllOutbound: jsii.Bool(true),
	})
	turnSg.AddIngressRule(awsec2.Peer_AnyIpv4(), awsec2.Port_Udp(jsii.Number(3478)), jsii.String("TURN UDP"), nil)
	turnSg.AddIngressRule(awsec2.Peer_AnyIpv4(), awsec2.Port_Tcp(jsii.Number(3478)), jsii.String("TURN TCP"), nil)
	turnSg.AddIngressRule(awsec2.Peer_AnyIpv4(), awsec2.Port_Tcp(jsii.Number(5349)), jsii.String("TURN TLS"), nil)
	turnSg.AddIngressRule(awsec2.Peer_AnyIpv4(), awsec2.Port_UdpRange(jsii.Number(49152), jsii.Number(65535)), jsii.String("Relay UDP"), nil)

	turnSecret := awssecretsmanager.NewSecret(stack, jsii.String("TurnSecret"), &awssecretsmanager.SecretProps{
		GenerateSecretString: &awssecretsmanager.SecretStringGenerator{
			SecretStringTemplate: jsii.String("{}"),
			GenerateStringKey:    jsii.String("secret"),
			ExcludePunctuation:   jsii.Bool(true),
		},
	})

	ami := awsec2.MachineImage_Lookup(&awsec2.LookupMachineImageProps{
		Name:   jsii.String("ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-amd64-server-*"),
		Owners: &[]*string{jsii.String("099720109477")},
	})

	conf := "/etc/turnserver.conf"
	userData := awsec2.UserData_ForLinux(&awsec2.LinuxUserDataOptions{})
	userData.AddCommands(
		jsii.String("apt-get update"),
		jsii.String("apt-get install -y coturn awscli jq"),
		jsii.String("export AWS_DEFAULT_REGION="+*stack.Region()),
		jsii.String("SECRET=$(aws secretsmanager get-secret-value --secret-id "+*turnSecret.SecretArn()+" --query SecretString --output text | jq -r .secret)"),
		jsii.String("printf '%s\\n' "+quoteAll(turnConfig())+" > "+conf),
		jsii.String("echo \"external-ip=$(curl -s http://169.254.169.254/latest/meta-data/public-ipv4)\" >> "+conf),
		jsii.String("echo \"static-auth-secret=$SECRET\" >> "+conf),
		jsii.String("sed -i 's/^#TURNSERVER_ENABLED=1/TURNSERVER_ENABLED=1/' /etc/default/coturn"),
		jsii.String("systemctl enable coturn"),
		jsii.String("systemctl restart coturn"),
	)

	turnInstance := awsec2.NewInstance(stack, jsii.String("TurnInstance"), &awsec2.InstanceProps{
		Vpc:           vpc,
		InstanceType:  awsec2.NewInstanceType(jsii.String("t3.small")),
		MachineImage:  ami,
		SecurityGroup: turnSg,
		UserData:      userData,
		VpcSubnets:    &awsec2.SubnetSelection{SubnetType: awsec2.SubnetType_PUBLIC},
	})
	turnInstance.Role().AddManagedPolicy(awsiam.ManagedPolicy_FromAwsManagedPolicyName(jsii.String("AmazonSSMManagedInstanceCore")))
	turnSecret.GrantRead(turnInstance.Role(), nil)

	eip := awsec2.NewCfnEIP(stack, jsii.String("TurnEip"), &awsec2.CfnEIPProps{
		InstanceId: turnInstance.InstanceId(),
	})

	awscdk.NewCfnOutput(stack, jsii.String("TurnIp"), &awscdk.CfnOutputProps{
		Value: eip.Ref(),
	})

	// ICE config endpoint
	iceFunc := awslambda.NewFunction(stack, jsii.String("IceConfigFunction"), &awslambda.FunctionProps{
		Runtime: awslambda.Runtime_PROVIDED_AL2(),
		Handler: jsii.String("bootstrap"),
		Code:    awslambda.Code_FromAsset(jsii.String("../bin/ice-config.zip"), nil),
		Environment: &map[string]*string{
			"TURN_URI":  eip.Ref(),
			"STUN_URIS": jsii.String(strings.Join(stunURIs, ",")),
			"TURN_TTL":  jsii.String(turnTTL),
		},
	})
	// The handler reads the plain value; the secret is a JSON object.
	iceFunc.AddEnvironment(jsii.String("TURN_SECRET_KEY"), turnSecret.SecretValueFromJson(jsii.String("secret")).UnsafeUnwrap(), nil)

	httpApi := awsapigatewayv2.NewHttpApi(stack, jsii.String("VcallApi"), &awsapigatewayv2.HttpApiProps{
		ApiName: jsii.String("VcallApi"),
		CorsPreflight: &awsapigatewayv2.CorsPreflightOptions{
			AllowOrigins: jsii.Strings("*"),
			AllowMethods: &[]awsapigatewayv2.CorsHttpMethod{awsapigatewayv2.CorsHttpMethod_GET},
		},
	})
	httpApi.AddRoutes(&awsapigatewayv2.AddRoutesOptions{
		Path:        jsii.String("/ice-config"),
		Methods:     &[]awsapigatewayv2.HttpMethod{awsapigatewayv2.HttpMethod_GET},
		Integration: awsapigatewayv2integrations.NewHttpLambdaIntegration(jsii.String("IceConfigIntegration"), iceFunc, nil),
	})

	awscdk.NewCfnOutput(stack, jsii.String("IceConfigUrl"), &awscdk.CfnOutputProps{
		Value: jsii.String(*httpApi.ApiEndpoint() + "/ice-config"),
	})

	// Anonymous broker access for the CLI.
	pool := awscognito.NewCfnIdentityPool(stack, jsii.String("VcallIdentityPool"), &awscognito.CfnIdentityPoolProps{
		IdentityPoolName:               jsii.String("VcallIdentityPool"),
		AllowUnauthenticatedIdentities: jsii.Bool(true),
	})

	unauthRole := awsiam.NewRole(stack, jsii.String("CognitoUnauthRole"), &awsiam.RoleProps{
		AssumedBy: awsiam.NewFederatedPrincipal(
			jsii.String("cognito-identity.amazonaws.com"),
			&map[string]interface{}{
				"StringEquals": map[string]interface{}{
					"cognito-identity.amazonaws.com:aud": pool.Ref(),
				},
				"ForAnyValue:StringLike": map[string]interface{}{
					"cognito-identity.amazonaws.com:amr": "unauthenticated",
				},
			},
			jsii.String("sts:AssumeRoleWithWebIdentity"),
		),
	})

	topics, filters := topicResources(ns)
	unauthRole.AddToPolicy(awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
		Effect:    awsiam.Effect_ALLOW,
		Actions:   jsii.Strings("iot:Connect"),
		Resources: jsii.Strings("arn:aws:iot:*:*:client/*"),
	}))
	unauthRole.AddToPolicy(awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
		Effect:    awsiam.Effect_ALLOW,
		Actions:   jsii.Strings("iot:Publish", "iot:Receive"),
		Resources: jsii.Strings(topics...),
	}))
	unauthRole.AddToPolicy(awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
		Effect:    awsiam.Effect_ALLOW,
		Actions:   jsii.Strings("iot:Subscribe"),
		Resources: jsii.Strings(filters...),
	}))

	awscognito.NewCfnIdentityPoolRoleAttachment(stack, jsii.String("IdentityPoolRoleAttachment"), &awscognito.CfnIdentityPoolRoleAttachmentProps{
		IdentityPoolId: pool.Ref(),
		Roles: &map[string]interface{}{
			"unauthenticated": unauthRole.RoleArn(),
		},
	})

	awscdk.NewCfnOutput(stack, jsii.String("IdentityPoolId"), &awscdk.CfnOutputProps{
		Value: pool.Ref(),
	})

	return stack
}

func quoteAll(lines []string) string {
	quoted := make([]string, len(lines))
	for i, l := range lines {
		quoted[i] = "'" + l + "'"
	}
	return strings.Join(quoted, " ")
}

// env reads the deploy target from the CDK environment variables.
func env() *awscdk.Environment {
	account := os.Getenv("CDK_DEFAULT_ACCOUNT")
	region := os.Getenv("CDK_DEFAULT_REGION")
	if account == "" {
		account = os.Getenv("CDK_DEPLOY_ACCOUNT")
	}
	if region == "" {
		region = os.Getenv("CDK_DEPLOY_REGION")
	}
	return &awscdk.Environment{
		Account: jsii.String(account),
		Region:  jsii.String(region),
	}
}
